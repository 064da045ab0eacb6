// Package entities defines the GORM models of the target database: users
// carrying migration metadata, cases, case documents and library documents.
//
// Legacy identifiers are stored as nullable unique columns so that rows
// created natively in the target system (no legacy id) never collide.
package entities
