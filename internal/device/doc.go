// Package device holds the durable record of a paired device.
//
// A Record is produced by BLE pairing (internal/pairing) or by claim-code
// redemption (internal/claim) and persisted in the device_records table.
//
//	pairing / claim ──▶ Record ──▶ Store (cache) ──▶ SQLiteRepository
//	                                  │
//	                                  └──▶ API, channel URLs, deviceapi
//
// Record ids are derived in a fixed priority order, see DeriveID. A
// pairing that cannot derive an id produces no record at all.
package device
