/*
Maildeck - Multi-tenant mail delivery core.
Copyright © 2024-2026 Maildeck contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a fresh UUID string for use as a primary key.
func NewID() string {
	return uuid.NewString()
}

// JSONMap stores a free-form JSON object in a text column. Used for
// custom_attributes and custom_settings fields.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	blob, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(blob), nil
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var blob []byte
	switch v := value.(type) {
	case []byte:
		blob = v
	case string:
		blob = []byte(v)
	default:
		return fmt.Errorf("db: cannot scan %T into JSONMap", value)
	}
	return json.Unmarshal(blob, m)
}

// StringList stores an ordered list of strings in a text column
// (thread sender_names).
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	blob, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(blob), nil
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var blob []byte
	switch v := value.(type) {
	case []byte:
		blob = v
	case string:
		blob = []byte(v)
	default:
		return fmt.Errorf("db: cannot scan %T into StringList", value)
	}
	return json.Unmarshal(blob, l)
}
