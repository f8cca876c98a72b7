// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package kv

import (
	"encoding/json"
	"strings"

	"gpufleet/pkg/fleet"
)

// Encode serializes v for storage. Timestamps round-trip as RFC 3339 with
// nanoseconds; NaN, Inf, and cyclic values are rejected as serialization
// errors. The contract is Decode(Encode(x)) == x for every persisted type.
func Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fleet.WrapError(fleet.KindSerialization, "encode", err)
	}
	return string(b), nil
}

// Decode parses a stored value into dst.
func Decode(s string, dst any) error {
	if strings.TrimSpace(s) == "" {
		return fleet.NewError(fleet.KindSerialization, "decode: empty value")
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return fleet.WrapError(fleet.KindSerialization, "decode", err)
	}
	return nil
}
