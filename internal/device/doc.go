// Package device defines the transport capability the rest of wandkit is built on.
//
// A platform binding supplies an Adapter (scanning plus peripheral handles) and
// Peripheral values (connect, discover, characteristic I/O, notifications and a
// disconnect signal). The package also owns the GATT profile model used as the
// characteristic cache, UUID normalisation and the shared error taxonomy:
//   - NotFoundError for missing services and characteristics
//   - StateError for operations attempted in an incompatible connection state
//   - sentinel errors for search, transport and protocol failures
package device
