// Package rfcomm provides Bluetooth RFCOMM Serial Port Profile streams via
// the BlueZ D-Bus API. The host registers a server profile and accepts one
// socket per client; clients connect the profile on a scanned device. BlueZ
// hands every connected socket over as a Unix FD, which is wrapped in an
// *os.File and owned by the caller.
//
// Pairing is not handled here: a BlueZ agent registered outside this package
// must answer pairing requests.
package rfcomm

import (
	"errors"
	"strings"

	"github.com/1ureka/btcomms/internal/transport"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultChannel is the fixed RFCOMM channel of the server profile.
	DefaultChannel uint16 = 22
)

// ErrUnsupported is returned on platforms without BlueZ.
var ErrUnsupported = errors.New("rfcomm: bluetooth is only supported on linux")

// errClosed is returned by every method after Close.
var errClosed = errors.New("rfcomm: closed")

// remoteDevice converts BlueZ Device1 properties to a transport.Device.
// Address is the D-Bus object path; Name prefers the user-set alias.
func remoteDevice(path, mac, name, alias string) transport.Device {
	if mac == "" {
		mac = macFromPath(path)
	}
	display := alias
	if display == "" {
		display = name
	}
	if display == "" {
		display = mac
	}
	return transport.Device{Address: path, Name: display}
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

// macFromPath extracts XX:XX:XX:XX:XX:XX from .../dev_XX_XX_XX_XX_XX_XX.
func macFromPath(p string) string {
	idx := strings.LastIndex(p, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(p[idx+5:], "_", ":")
}
