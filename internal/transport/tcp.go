// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// keepAlivePeriod is used for every Modbus TCP socket.
const keepAlivePeriod = 30 * time.Second

// DialTCP returns a Dialer connecting to addr. A connect attempt is aborted
// after connectTimeout.
func DialTCP(addr string, connectTimeout time.Duration) Dialer {
	return func(ctx context.Context) (Conn, error) {
		dialer := &net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: keepAlivePeriod,
		}

		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tcp connect: %w", err)
		}

		ConfigureTCP(conn)
		return conn, nil
	}
}

// ConfigureTCP enables keep-alive and disables Nagle's algorithm on TCP
// connections. Other connection types are left untouched.
func ConfigureTCP(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
		tcpConn.SetNoDelay(true)
	}
}
