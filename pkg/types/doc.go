// Package types defines the entity model (EntityType, Attribute, Row, Key,
// Predicate), the Store and Tx contracts every storage engine implements,
// the MakeFunc contract for materialized entity types, and the standard
// error values shared by all larder packages.
package types
