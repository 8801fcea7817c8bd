/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/friendsincode/heimdall_signage/internal/models"
)

// API key constants
const (
	APIKeyPrefix      = "hs_"
	APIKeyRandomBytes = 24 // 192 bits of entropy
)

// Expiration options for API keys
var APIKeyExpirationOptions = []struct {
	Label string
	Days  int
}{
	{"30 days", 30},
	{"90 days", 90},
	{"180 days", 180},
	{"1 year", 365},
}

// ErrAPIKeyNotFound is returned when an API key doesn't exist.
var ErrAPIKeyNotFound = errors.New("api key not found")

// ErrAPIKeyExpired is returned when an API key has expired.
var ErrAPIKeyExpired = errors.New("api key expired")

// ErrAPIKeyRevoked is returned when an API key has been revoked.
var ErrAPIKeyRevoked = errors.New("api key revoked")

// ErrOperatorNotFound is returned when the operator for an API key doesn't
// exist.
var ErrOperatorNotFound = errors.New("operator not found")

// GenerateAPIKey creates a new API key for an operator.
// Returns the plaintext key (to show to the operator once) and the model to
// store.
func GenerateAPIKey(operatorID, name string, expiresIn time.Duration) (string, *models.APIKey, error) {
	randomBytes := make([]byte, APIKeyRandomBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", nil, err
	}

	// Key shape: hs_<hex encoded random bytes>
	randomHex := hex.EncodeToString(randomBytes)
	plaintextKey := APIKeyPrefix + randomHex

	hash := sha256.Sum256([]byte(plaintextKey))
	keyHash := hex.EncodeToString(hash[:])

	// Display prefix: "hs_" + first 8 hex chars
	keyPrefix := plaintextKey[:11]

	apiKey := &models.APIKey{
		ID:         uuid.NewString(),
		OperatorID: operatorID,
		Name:       name,
		KeyHash:    keyHash,
		KeyPrefix:  keyPrefix,
		ExpiresAt:  time.Now().Add(expiresIn),
	}

	return plaintextKey, apiKey, nil
}

// ValidateAPIKey validates an API key and returns claims if valid.
// Also updates the LastUsedAt timestamp.
func ValidateAPIKey(db *gorm.DB, plaintextKey string) (*Claims, error) {
	hash := sha256.Sum256([]byte(plaintextKey))
	keyHash := hex.EncodeToString(hash[:])

	var apiKey models.APIKey
	result := db.Where("key_hash = ?", keyHash).First(&apiKey)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrAPIKeyNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}

	if apiKey.IsRevoked() {
		return nil, ErrAPIKeyRevoked
	}
	if apiKey.IsExpired() {
		return nil, ErrAPIKeyExpired
	}

	var operator models.Operator
	result = db.First(&operator, "id = ?", apiKey.OperatorID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrOperatorNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}

	// Update last used timestamp (fire and forget)
	now := time.Now()
	go db.Model(&apiKey).Update("last_used_at", now)

	claims := &Claims{
		OperatorID: operator.ID,
		Roles:      []string{string(operator.Role)},
	}

	return claims, nil
}

// RevokeAPIKey revokes an API key. Only the owner can revoke their own keys.
func RevokeAPIKey(db *gorm.DB, keyID, operatorID string) error {
	now := time.Now()
	result := db.Model(&models.APIKey{}).
		Where("id = ? AND operator_id = ?", keyID, operatorID).
		Update("revoked_at", now)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAPIKeyNotFound
	}

	return nil
}

// ListAPIKeys returns all API keys for an operator (without the hash).
func ListAPIKeys(db *gorm.DB, operatorID string) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := db.Where("operator_id = ?", operatorID).
		Order("created_at DESC").
		Find(&keys).Error

	return keys, err
}

// DeleteAPIKey permanently deletes an API key. Use RevokeAPIKey for soft
// delete.
func DeleteAPIKey(db *gorm.DB, keyID, operatorID string) error {
	result := db.Where("id = ? AND operator_id = ?", keyID, operatorID).
		Delete(&models.APIKey{})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAPIKeyNotFound
	}

	return nil
}
