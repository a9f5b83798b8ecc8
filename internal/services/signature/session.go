// Package signature keeps thought signatures alive across turns: a memory and
// disk cache keyed by conversation, stable session ids and warmup tracking.
package signature

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/j-veylop/antigravity-dispatch/internal/fsutil"
	"github.com/j-veylop/antigravity-dispatch/internal/logger"
)

const (
	instanceIDFile = "instance-id"

	// SkipSignature is accepted upstream in place of a real signature.
	SkipSignature = "skip_thought_signature_validator"

	minSignatureLength = 50
)

// SessionID derives a conversation id from the process instance id and the
// opening of the conversation. The same conversation maps to the same id
// across restarts as long as the instance id is persisted.
func SessionID(instanceID, system, firstUser string) string {
	h := sha256.Sum256([]byte(instanceID + "\x00" + system + "\x00" + firstUser))
	n := int64(binary.BigEndian.Uint64(h[:8]) & 0x7FFFFFFFFFFFFFFF)
	return "-" + strconv.FormatInt(n, 10)
}

// Key returns the cache key of a session and model.
func Key(sessionID, model string) string {
	return sessionID + ":" + model
}

// IsValid reports whether sig can be replayed upstream.
func IsValid(sig string) bool {
	sig = strings.TrimSpace(sig)
	if sig == "" {
		return false
	}
	if sig == SkipSignature {
		return true
	}
	return len(sig) >= minSignatureLength
}

// LoadInstanceID reads the instance id stored in dir, creating one when
// missing or unreadable.
func LoadInstanceID(dir string) (string, error) {
	path := filepath.Join(dir, instanceIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		logger.Warn("instance id file is invalid, regenerating", "path", path)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read instance id: %w", err)
	}

	id := uuid.NewString()
	if err := fsutil.WriteFileAtomic(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to save instance id: %w", err)
	}
	return id, nil
}
