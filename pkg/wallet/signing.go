package wallet

import (
	"github.com/gagliardetto/solana-go"
)

// Sign signs tx with walletID's keypair in place. The private key never
// leaves this package; callers only ever see the signed transaction.
func (m *Manager) Sign(walletID string, tx *solana.Transaction) error {
	m.mu.RLock()
	e, ok := m.entries[walletID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownWallet
	}

	e.mu.Lock()
	signer := e.signer
	e.mu.Unlock()

	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	})
	return err
}

// PublicKey returns the wallet's public key, for instruction building that
// needs the fee payer / source account without ever touching signer bytes.
func (m *Manager) PublicKey(walletID string) (solana.PublicKey, error) {
	m.mu.RLock()
	e, ok := m.entries[walletID]
	m.mu.RUnlock()
	if !ok {
		return solana.PublicKey{}, ErrUnknownWallet
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signer.PublicKey(), nil
}
