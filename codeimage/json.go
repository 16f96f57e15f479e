// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package codeimage // import "go.opentelemetry.io/rtstackwalk/codeimage"

import (
	"encoding/json"
	"fmt"
	"io"

	"go.opentelemetry.io/rtstackwalk/regdisplay"
)

// Description is the serialized form of an image.
type Description struct {
	Name    string   `json:"name"`
	ABI     string   `json:"abi"`
	Methods []Method `json:"methods"`
}

// FromDescription builds an image from its serialized form.
func FromDescription(d *Description) (*Image, error) {
	abi, err := regdisplay.Lookup(d.ABI)
	if err != nil {
		return nil, err
	}
	return New(d.Name, abi, d.Methods)
}

// Description returns the serialized form of the image.
func (img *Image) Description() *Description {
	return &Description{
		Name:    img.name,
		ABI:     img.abi.Name,
		Methods: img.methods,
	}
}

// Load reads a JSON image description.
func Load(r io.Reader) (*Image, error) {
	var d Description
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode image description: %w", err)
	}
	return FromDescription(&d)
}
