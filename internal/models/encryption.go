package models

// Encryption parameters for at-rest field encryption in the durable store.
const (
	NonceSize        = 12
	KeySize          = 32
	PBKDF2Iterations = 100000
)
