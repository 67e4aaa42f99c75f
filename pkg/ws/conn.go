// Copyright 2025 Kadir Pekel
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

package ws

import (
	"time"

	"github.com/gorilla/websocket"
)

// GorillaConn adapts *websocket.Conn to the hub's Conn interface with a
// bounded write deadline.
type GorillaConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewGorillaConn wraps an upgraded connection.
func NewGorillaConn(conn *websocket.Conn, writeTimeout time.Duration) *GorillaConn {
	return &GorillaConn{conn: conn, writeTimeout: writeTimeout}
}

func (g *GorillaConn) WriteMessage(data []byte) error {
	if err := g.conn.SetWriteDeadline(time.Now().Add(g.writeTimeout)); err != nil {
		return err
	}
	return g.conn.WriteMessage(websocket.TextMessage, data)
}

func (g *GorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.conn.ReadMessage()
	return data, err
}

func (g *GorillaConn) Close() error {
	_ = g.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return g.conn.Close()
}
