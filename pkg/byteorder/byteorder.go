package byteorder

import (
	"encoding/binary"
	"unsafe"
)

// The standard library offers no binary.HostEndian, so probe it once.
var hostByteOrder = func() binary.ByteOrder {
	var i int32 = 0x01020304
	if *(*byte)(unsafe.Pointer(&i)) == 0x04 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

// GetHostByteOrder returns the byte order of the machine we run on.
func GetHostByteOrder() binary.ByteOrder {
	return hostByteOrder
}
