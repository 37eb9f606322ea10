package keys

import (
	"fmt"
	"time"

	"github.com/jmcleod/keysync/crypto"
	icrypto "github.com/jmcleod/keysync/internal/crypto"
	"github.com/jmcleod/keysync/internal/util"
	"github.com/jmcleod/keysync/key"
	"github.com/jmcleod/keysync/remote"
)

// Rotation is newly generated key material for one rotation: the signed
// server form plus the unlocked keys.
type Rotation struct {
	Remote remote.ShareKey
	Vault  key.Key
	Item   key.Key
}

// NewRotation generates a vault key sealed to addressPub and an item key
// wrapped by it, both signed by signer.
func NewRotation(shareID string, rotation int64, addressPub [32]byte, signer *crypto.SigningKey) (*Rotation, error) {
	vaultKey, err := key.Generate(keyID(shareID, rotation), key.Vault, rotation)
	if err != nil {
		return nil, err
	}
	itemKey, err := key.Generate(keyID(shareID, rotation), key.Item, rotation)
	if err != nil {
		vaultKey.Destroy()
		return nil, err
	}

	rot, err := sealRotation(shareID, rotation, addressPub, signer, vaultKey, itemKey)
	if err != nil {
		vaultKey.Destroy()
		itemKey.Destroy()
		return nil, fmt.Errorf("sealing rotation %d of share %s: %w", rotation, shareID, err)
	}
	return rot, nil
}

func sealRotation(shareID string, rotation int64, addressPub [32]byte, signer *crypto.SigningKey, vaultKey, itemKey key.Key) (*Rotation, error) {
	vaultAAD := icrypto.AADVaultKey(shareID, rotation)
	raw, err := key.Raw(vaultKey)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.SealToAddress(addressPub, raw, vaultAAD)
	util.WipeBytes(raw)
	if err != nil {
		return nil, err
	}
	vaultSig, err := signer.Sign(vaultAAD, sealed)
	if err != nil {
		return nil, err
	}

	itemAAD := icrypto.AADItemKey(shareID, rotation)
	wrapped, err := key.Wrap(itemKey, vaultKey, itemAAD)
	if err != nil {
		return nil, err
	}
	itemSig, err := signer.Sign(itemAAD, wrapped)
	if err != nil {
		return nil, err
	}

	return &Rotation{
		Remote: remote.ShareKey{
			RotationID:        rotation,
			VaultKey:          sealed,
			VaultKeySignature: vaultSig,
			ItemKey:           wrapped,
			ItemKeySignature:  itemSig,
			CreateTime:        time.Now().UTC(),
		},
		Vault: vaultKey,
		Item:  itemKey,
	}, nil
}
