// Package catalog implements the durable metadata catalog that maps
// collection ids to collection records.
//
// The catalog is one of the two sources of truth for collections, the other
// being the physical collection directories owned by the vector store. The
// catalog is authoritative for display names, embedding descriptors and
// cached counts; it says nothing about whether vector data actually exists
// on disk. Package consistency joins the two views.
package catalog
