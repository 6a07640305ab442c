package secretstore

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	RegisterTestingT(t)

	v, err := NewVault([]byte("test-master-key-not-for-production"))
	Expect(err).To(BeNil())

	encoded, err := v.Encrypt("sk_live_abc123")
	Expect(err).To(BeNil())
	Expect(encoded).NotTo(Equal("sk_live_abc123"))

	decoded, err := v.Decrypt(encoded)
	Expect(err).To(BeNil())
	Expect(decoded).To(Equal("sk_live_abc123"))
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	RegisterTestingT(t)

	v, err := NewVault([]byte("test-master-key"))
	Expect(err).To(BeNil())

	a, err := v.Encrypt("same-value")
	Expect(err).To(BeNil())
	b, err := v.Encrypt("same-value")
	Expect(err).To(BeNil())
	Expect(a).NotTo(Equal(b)) // distinct salt/nonce per call
}

func TestDecryptRejectsTamperedBlob(t *testing.T) {
	RegisterTestingT(t)

	v, err := NewVault([]byte("test-master-key"))
	Expect(err).To(BeNil())

	encoded, err := v.Encrypt("secret")
	Expect(err).To(BeNil())

	tampered := encoded[:len(encoded)-4] + "AAAA"
	_, err = v.Decrypt(tampered)
	Expect(err).NotTo(BeNil())
}

func TestEncryptFieldsRoundTrip(t *testing.T) {
	RegisterTestingT(t)

	v, err := NewVault([]byte("test-master-key"))
	Expect(err).To(BeNil())

	fields := map[string]string{"secret_key": "sk_123", "publishable_key": "pk_123"}
	enc, err := v.EncryptFields(fields)
	Expect(err).To(BeNil())
	Expect(enc["secret_key"]).NotTo(Equal("sk_123"))

	dec, err := v.DecryptFields(enc)
	Expect(err).To(BeNil())
	Expect(dec).To(Equal(fields))
}

func TestNewVaultRejectsEmptyKey(t *testing.T) {
	RegisterTestingT(t)

	_, err := NewVault(nil)
	Expect(err).NotTo(BeNil())
}
