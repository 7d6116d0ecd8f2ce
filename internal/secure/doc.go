// Package secure holds the shared payload key in protected memory and
// decrypts credential payloads into locked buffers.
//
// Key material lives in a memguard enclave (encrypted at rest, mlocked when
// the platform allows it). Plaintext payloads are returned as
// *memguard.LockedBuffer values which the caller must Destroy as soon as
// the verifier call finishes:
//
//	plain, err := c.Decrypt(cred.EncryptedPayload)
//	if err != nil {
//	    return err
//	}
//	defer plain.Destroy()
//
// Call memguard.Purge at process exit to wipe anything still resident.
//
// It does NOT protect against attackers with root access to the running
// process or hardware-level attacks.
package secure
