// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bond

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load decodes a stream of BondConfig documents.
//
// Unknown fields, kinds and versions are rejected, as are duplicate bond names.
func Load(r io.Reader) ([]*ConfigV1Alpha1, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var (
		docs  []*ConfigV1Alpha1
		names = map[string]struct{}{}
	)

	for {
		doc := &ConfigV1Alpha1{}

		if err := decoder.Decode(doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return nil, fmt.Errorf("error decoding document %d: %w", len(docs)+1, err)
		}

		if doc.MetaKind != Kind {
			return nil, fmt.Errorf("unsupported document kind %q", doc.MetaKind)
		}

		if doc.MetaAPIVersion != APIVersion {
			return nil, fmt.Errorf("unsupported %s version %q", Kind, doc.MetaAPIVersion)
		}

		if _, ok := names[doc.MetaName]; ok {
			return nil, fmt.Errorf("duplicate bond %q", doc.MetaName)
		}

		names[doc.MetaName] = struct{}{}

		docs = append(docs, doc)
	}

	return docs, nil
}

// LoadFile decodes BondConfig documents from a file.
func LoadFile(path string) ([]*ConfigV1Alpha1, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close() //nolint:errcheck

	return Load(f)
}

// Marshal encodes documents as a YAML stream.
func Marshal(docs ...*ConfigV1Alpha1) ([]byte, error) {
	var buf bytes.Buffer

	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(4)

	for _, doc := range docs {
		if err := encoder.Encode(doc); err != nil {
			return nil, err
		}
	}

	if err := encoder.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
