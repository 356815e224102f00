// Package device defines the boundary between the heart-rate monitor core and
// a Bluetooth Low Energy backend.
//
// It holds:
//   - the device identity supplied by configuration and the transport-level
//     reference resolved for it on every refresh cycle
//   - the GATT transport contract (connect, read, subscribe) that backends implement
//   - the transport error taxonomy shared by every layer above it
//   - the standard SIG UUIDs of the heart-rate and battery profiles
package device
