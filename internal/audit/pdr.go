// Package audit provides PDR (Process Decision Record) writing for jetdeploy.
//
// Every state-changing request (connect, deploy, cancel, run, stop) leaves one
// record with a hash of its inputs. Credentials never reach the hash input.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/fentz26/jetdeploy/internal/models"
)

// Store persists decision records.
type Store interface {
	WritePDR(action, inputsHash, outcome, jobID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
// A nil writer discards records.
type PDRWriter struct {
	store Store
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Store) *PDRWriter {
	return &PDRWriter{store: s}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, jobID, details string) (*models.PDREntry, error) {
	if w == nil || w.store == nil {
		return nil, nil
	}
	return w.store.WritePDR(action, HashInputs(inputs), outcome, jobID, details)
}

var secretKeys = []string{"password", "private_key", "secret", "token"}

func isSecret(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func redact(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if isSecret(k) {
				delete(t, k)
				continue
			}
			t[k] = redact(val)
		}
	case []interface{}:
		for i := range t {
			t[i] = redact(t[i])
		}
	}
	return v
}

// HashInputs creates a SHA256 hash of the inputs with credential fields removed.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err == nil {
		if clean, err := json.Marshal(redact(generic)); err == nil {
			data = clean
		}
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
