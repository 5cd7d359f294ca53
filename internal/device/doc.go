// Package device manages the connection to a Bioinfo environmental sensor.
//
// The ConnectionManager runs the connection lifecycle:
//
//	Disconnected -> Connecting -> Handshaking -> Connected -> Disconnected
//
// After GATT discovery it subscribes to indications on the response
// characteristic, writes the handshake request and waits for the expected
// acknowledgement before reporting Connected. Sensor frames are read from
// the data characteristic on a fixed interval.
//
// Radio access goes through the Radio and Link interfaces; the go-ble
// subpackage provides the production implementation.
package device
