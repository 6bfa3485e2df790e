// Package device holds the data model shared by the GATT watcher stack and the
// narrow interfaces through which it talks to the Bluetooth transport.
//
// This package defines:
//   - Address, the 48-bit key for all per-device bookkeeping
//   - Advertisement, the scan report delivered by a Radio
//   - Radio and Conn, the collaborator interfaces implemented by the go-ble backend
//   - The fixed MultyGattServer profile (device name, service and characteristic UUIDs)
//   - The error taxonomy used across sessions, the watcher and the CLI
package device
