package stepup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

// enrollment is one user's encrypted TOTP secret.
type enrollment struct {
	encryptedSecret []byte
	nonce           []byte
	lastUsedAt      *time.Time
}

// ChallengeManager resolves CHALLENGE decisions via TOTP: users enroll an
// authenticator once, then answer step-up prompts with a six-digit code.
// Secrets are AES-256-GCM encrypted at rest.
type ChallengeManager struct {
	encryptionKey []byte
	issuer        string

	mu          sync.Mutex
	enrollments map[string]*enrollment
}

// NewChallengeManager creates a challenge manager.
// encryptionKey must be exactly 32 bytes for AES-256.
func NewChallengeManager(encryptionKey []byte, issuer string) (*ChallengeManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}

	return &ChallengeManager{
		encryptionKey: encryptionKey,
		issuer:        issuer,
		enrollments:   make(map[string]*enrollment),
	}, nil
}

// Enroll generates a TOTP secret for the user and returns the provisioning
// QR code as a PNG data URL for authenticator setup. Re-enrolling replaces
// the previous secret.
func (cm *ChallengeManager) Enroll(userID string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      cm.issuer,
		AccountName: userID,
		SecretSize:  32,
		Period:      30,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	encrypted, nonce, err := cm.encryptSecret([]byte(key.Secret()))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt secret: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Highest)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}
	qrImage, err := qr.PNG(200)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}

	cm.mu.Lock()
	cm.enrollments[userID] = &enrollment{
		encryptedSecret: encrypted,
		nonce:           nonce,
	}
	cm.mu.Unlock()

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrImage), nil
}

// Enrolled reports whether the user has a step-up secret.
func (cm *ChallengeManager) Enrolled(userID string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	_, ok := cm.enrollments[userID]
	return ok
}

// Verify checks a step-up code. Allows ±1 time step for clock drift and
// rejects replayed codes inside the validity window.
func (cm *ChallengeManager) Verify(userID, code string) (bool, error) {
	cm.mu.Lock()
	e, ok := cm.enrollments[userID]
	cm.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("user %s is not enrolled for step-up verification", userID)
	}

	secret, err := cm.decryptSecret(e.encryptedSecret, e.nonce)
	if err != nil {
		return false, err
	}

	valid, err := totp.ValidateCustom(code, string(secret), time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to validate TOTP: %w", err)
	}
	if !valid {
		return false, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Replay prevention: a second code inside the 90 second window is a replay
	if e.lastUsedAt != nil && time.Since(*e.lastUsedAt) < 90*time.Second {
		return false, fmt.Errorf("code replay detected")
	}
	now := time.Now()
	e.lastUsedAt = &now

	return true, nil
}

// encryptSecret encrypts a TOTP secret using AES-256-GCM.
func (cm *ChallengeManager) encryptSecret(secretBytes []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(cm.encryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, secretBytes, nil), nonce, nil
}

func (cm *ChallengeManager) decryptSecret(encryptedBytes, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(cm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, encryptedBytes, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return plaintext, nil
}
