package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/basket/taskvault/internal/model"
)

// CanonicalJSON serializes v into a byte-stable form: object keys sorted,
// array elements recursively canonicalized then sorted, dates rendered as
// UTC RFC 3339 strings by the JSON encoder. Two values that differ only in
// key or element order canonicalize identically.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalization: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("reparse for canonicalization: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		elems := make([]string, 0, len(val))
		for _, e := range val {
			var eb bytes.Buffer
			if err := writeCanonical(&eb, e); err != nil {
				return err
			}
			elems = append(elems, eb.String())
		}
		sort.Strings(elems)
		buf.WriteByte('[')
		for i, e := range elems {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(e)
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// StateHash returns the SHA-256 digest of the canonical form of v, hex
// encoded. The hash is independent of object-key and array-element order.
func StateHash(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CheckpointDigest computes the integrity hash and canonical size of a
// checkpoint over every field except the hash and size themselves.
func CheckpointDigest(cp *model.Checkpoint) (hash string, size int64, err error) {
	doc := map[string]any{
		"id":                 cp.ID,
		"timestamp":          cp.Timestamp.UTC().Format(time.RFC3339Nano),
		"sessionId":          cp.SessionID,
		"taskSnapshot":       cp.TaskSnapshot,
		"queueSnapshot":      cp.QueueSnapshot,
		"activeTransactions": cp.ActiveTransactions,
		"type":               string(cp.Type),
	}
	canonical, err := CanonicalJSON(doc)
	if err != nil {
		return "", 0, err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), int64(len(canonical)), nil
}
