// Package usbid resolves USB vendor, product and interface class names from
// the usb.ids database shipped with usbutils and hwdata.
//
//	db := usbid.New()
//	if db.Load() {
//	    fmt.Println(db.LookupVendor(0x0781))       // SanDisk Corp.
//	    fmt.Println(db.LookupClass(0x08, 0x06, 0x50)) // Bulk-Only
//	}
//
// Lookups on an unloaded database, or for unknown identifiers, return "".
package usbid
