/*
Package security encrypts secret configuration values at rest.

A SecretsManager holds a 32-byte AES-256-GCM key. Values of secret config
fields (password, secrettext, secretmap, secretfile) are stored as

	$stackman_vault$<base64(nonce|ciphertext|tag)>

EncryptValue passes empty and already encrypted values through unchanged, so
re-saving a config does not double-encrypt. The key lives in a file under the
data directory and is created on first start by LoadOrCreateKeyFile.
*/
package security
