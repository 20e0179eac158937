/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoveryRoundTrip(t *testing.T) {
	cases := []*DiscoveryPacket{
		{Type: Announce, Flags: FlagHost | FlagReady, SenderPort: 7332, Transports: TransportTCP | TransportUDP, Name: "Alice"},
		{Type: Query, Flags: 0, SenderPort: 0, Transports: 0, Name: ""},
		{Type: Goodbye, Flags: FlagSpectator, SenderPort: 1, Transports: TransportUDP, Name: strings.Repeat("x", MaxNameLen)},
	}

	for _, p := range cases {
		buf := make([]byte, MaxDiscoveryLen)
		n, err := EncodeDiscovery(p, buf)
		require.NoError(t, err)
		require.LessOrEqual(t, n, MaxDiscoveryLen)
		require.GreaterOrEqual(t, n, MinDiscoveryLen)

		got, err := DecodeDiscovery(buf[:n])
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
}

func TestDiscoveryNameTooLong(t *testing.T) {
	p := &DiscoveryPacket{Type: Announce, Name: strings.Repeat("y", MaxNameLen+1)}
	buf := make([]byte, MaxDiscoveryLen+8)
	_, err := EncodeDiscovery(p, buf)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestDiscoveryBufferTooSmall(t *testing.T) {
	p := &DiscoveryPacket{Type: Announce, Name: "Bob"}
	buf := make([]byte, 4)
	_, err := EncodeDiscovery(p, buf)
	require.ErrorIs(t, err, ErrBufferFull)
}

func TestDiscoveryDecodeTruncated(t *testing.T) {
	_, err := DecodeDiscovery(make([]byte, 4))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDiscoveryDecodeBadMagic(t *testing.T) {
	buf := make([]byte, MinDiscoveryLen)
	copy(buf, "XXXX")
	_, err := DecodeDiscovery(buf)
	require.ErrorIs(t, err, ErrMagic)
}

func TestDiscoveryDecodeBadVersion(t *testing.T) {
	p := &DiscoveryPacket{Type: Announce, Name: "Bob"}
	buf := make([]byte, MaxDiscoveryLen)
	n, err := EncodeDiscovery(p, buf)
	require.NoError(t, err)
	buf[4] = 9
	_, err = DecodeDiscovery(buf[:n])
	require.ErrorIs(t, err, ErrVersion)
}

func TestDiscoveryDecodeUnknownType(t *testing.T) {
	p := &DiscoveryPacket{Type: Announce, Name: "Bob"}
	buf := make([]byte, MaxDiscoveryLen)
	n, err := EncodeDiscovery(p, buf)
	require.NoError(t, err)
	buf[5] = 0x7f
	crc := CRC16(buf[:discoveryHeaderLen+len(p.Name)])
	putUint16(buf[discoveryHeaderLen+len(p.Name):], crc)
	_, err = DecodeDiscovery(buf[:n])
	require.ErrorIs(t, err, ErrInvalid)
}

func TestDiscoveryDecodeNameLenOverflow(t *testing.T) {
	buf := make([]byte, MinDiscoveryLen)
	copy(buf[0:4], "PTLK")
	buf[4] = Version
	buf[5] = byte(Announce)
	buf[11] = 200
	_, err := DecodeDiscovery(buf)
	require.ErrorIs(t, err, ErrInvalid)
}
