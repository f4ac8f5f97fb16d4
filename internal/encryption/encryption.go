// Package encryption は保存するシークレットの暗号化・復号と補助的な暗号プリミティブを提供する。
//
// 暗号文の形式は base64(salt ‖ nonce ‖ tag ‖ ciphertext)。
// 鍵はマスターシークレットと呼び出しごとのsaltからPBKDF2-SHA256で導出し、
// saltはAES-256-GCMの追加認証データとして暗号文に束縛する。
// 形式が自己記述的なので、鍵バージョン管理テーブルは不要。
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize  = 16
	nonceSize = 12
	tagSize   = 16
	keySize   = 32

	// MinIterations はPBKDF2の最小反復回数。
	MinIterations = 100_000
)

// ErrCrypto は暗号化・復号の失敗を表す。改ざん・破損・設定不備のいずれもこれをラップする。
var ErrCrypto = errors.New("crypto error")

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithIterations はPBKDF2の反復回数を設定する。MinIterations未満の値は無視する。
func WithIterations(n int) Option {
	return func(s *Service) {
		if n >= MinIterations {
			s.iterations = n
		}
	}
}

// Service はマスターシークレットを保持し、文字列・オブジェクトの暗号化を行う。
// 状態を持たないため並行利用できる。
type Service struct {
	masterSecret []byte
	iterations   int
}

// NewService はServiceを生成する。マスターシークレットが空の場合はErrCryptoを返す。
func NewService(masterSecret string, opts ...Option) (*Service, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("%w: master secret is not configured", ErrCrypto)
	}
	s := &Service{
		masterSecret: []byte(masterSecret),
		iterations:   MinIterations,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Encrypt は平文を暗号化し、base64エンコードした暗号文を返す。
// 呼び出しごとに新しいsaltとnonceを使う。
func (s *Service) Encrypt(plaintext string) (string, error) {
	if s == nil || len(s.masterSecret) == 0 {
		return "", fmt.Errorf("%w: master secret is not configured", ErrCrypto)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("%w: generate salt: %v", ErrCrypto, err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", ErrCrypto, err)
	}

	gcm, err := s.newGCM(salt)
	if err != nil {
		return "", err
	}

	// Sealの出力は ciphertext ‖ tag
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), salt)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, saltSize+nonceSize+tagSize+len(ct))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt はEncryptの出力を復号する。
// デコード失敗、認証タグ不一致（改ざん・破損）の場合はErrCryptoを返し、平文は返さない。
func (s *Service) Decrypt(blob string) (string, error) {
	if s == nil || len(s.masterSecret) == 0 {
		return "", fmt.Errorf("%w: master secret is not configured", ErrCrypto)
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrCrypto, err)
	}
	if len(raw) < saltSize+nonceSize+tagSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	tag := raw[saltSize+nonceSize : saltSize+nonceSize+tagSize]
	ct := raw[saltSize+nonceSize+tagSize:]

	gcm, err := s.newGCM(salt)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, salt)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCrypto)
	}
	return string(plaintext), nil
}

// EncryptObject は値をJSONエンコードしてから暗号化する。
func (s *Service) EncryptObject(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: encode object: %v", ErrCrypto, err)
	}
	return s.Encrypt(string(data))
}

// DecryptObject は暗号文を復号し、JSONとしてoutにデコードする。
func (s *Service) DecryptObject(blob string, out any) error {
	plaintext, err := s.Decrypt(blob)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plaintext), out); err != nil {
		return fmt.Errorf("%w: decode object: %v", ErrCrypto, err)
	}
	return nil
}

// DeriveSubkey は用途ごとの派生鍵をHKDF-SHA256で生成する。
// 用途が異なれば鍵も異なるため、暗号化鍵と署名鍵が混ざらない。
func (s *Service) DeriveSubkey(purpose string, size int) ([]byte, error) {
	if s == nil || len(s.masterSecret) == 0 {
		return nil, fmt.Errorf("%w: master secret is not configured", ErrCrypto)
	}
	key := make([]byte, size)
	r := hkdf.New(sha256.New, s.masterSecret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: derive subkey: %v", ErrCrypto, err)
	}
	return key, nil
}

func (s *Service) newGCM(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(s.masterSecret, salt, s.iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: create gcm: %v", ErrCrypto, err)
	}
	return gcm, nil
}

// ConstantTimeEqual はタイミング差の出ない文字列比較を行う。
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Hash は復元不能なフィンガープリント（SHA-256の16進表現）を返す。
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// RandomToken は暗号論的に安全なnバイトの乱数をbase64url（パディング無し）で返す。
func RandomToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("%w: token size must be positive", ErrCrypto)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%w: generate token: %v", ErrCrypto, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
