package vault

import (
	"fmt"

	"household-ledger/internal/crypto"
	"household-ledger/internal/models"

	"gorm.io/gorm"
)

// Keyring 负责成员密钥对的签发与口令保护的开启/修改/关闭。
//
// 关键性质：口令变更时公钥不变，RSA 包裹的分享授权一条都不用动；
// 只有主密钥直接包裹的所有者授权要跟着主密钥换包裹。
type Keyring struct {
	DB         *gorm.DB
	Iterations int // PBKDF2 迭代次数，0 取默认值
}

func NewKeyring(db *gorm.DB, iterations int) *Keyring {
	if iterations <= 0 {
		iterations = crypto.DefaultIterations
	}
	return &Keyring{DB: db, Iterations: iterations}
}

// EnsureKeypair 给还没有密钥对的成员签发一对 RSA 密钥，
// 私钥先用便捷密钥包裹（成员此时未设口令）。
// RSA 生成耗 CPU，调用方应避免放在交互路径上。
func (k *Keyring) EnsureKeypair(user *models.User) error {
	if len(user.PublicKey) > 0 {
		return nil
	}

	priv, err := crypto.GenerateKeypair()
	if err != nil {
		return err
	}
	pubDER, err := crypto.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}
	privDER := crypto.MarshalPrivateKey(priv)
	wrapped, err := crypto.Seal(crypto.ConvenienceKey(user.ID), privDER, privateKeyAAD(user.ID))
	crypto.Zero(privDER)
	if err != nil {
		return err
	}

	user.PublicKey = pubDER
	user.WrappedPrivateKey = wrapped
	if err := k.DB.Model(user).Updates(map[string]interface{}{
		"public_key":          pubDER,
		"wrapped_private_key": wrapped,
	}).Error; err != nil {
		return fmt.Errorf("persist keypair: %w", err)
	}
	return nil
}

// UnlockStartupAll 进程启动时解锁所有未设口令的成员，
// 让他们在混合家庭里"永久解锁"。设了口令的成员必须自己解锁。
func (k *Keyring) UnlockStartupAll(sessions *SessionStore) error {
	var users []models.User
	if err := k.DB.Where("password_protected = ?", false).Find(&users).Error; err != nil {
		return fmt.Errorf("list unprotected members: %w", err)
	}
	for i := range users {
		if len(users[i].WrappedPrivateKey) == 0 {
			continue
		}
		if err := sessions.UnlockStartup(&users[i]); err != nil {
			return fmt.Errorf("startup unlock member %d: %w", users[i].ID, err)
		}
	}
	return nil
}

// rewrapOwnerGrants 把成员名下所有主密钥包裹的授权从旧密钥换到新密钥。
// 主密钥随口令（和盐）改变，不换包裹这些授权就永久解不开了；
// RSA 包裹的分享授权只依赖公钥，不在此列。
func rewrapOwnerGrants(tx *gorm.DB, userID uint, oldKey, newKey []byte) error {
	var grants []models.KeyGrant
	if err := tx.Where("recipient_id = ? AND wrap_algo = ?", userID, models.WrapAlgoMaster).
		Find(&grants).Error; err != nil {
		return fmt.Errorf("list owner grants: %w", err)
	}
	for i := range grants {
		g := &grants[i]
		aad := crypto.GrantAAD(g.EntityType, g.EntityID, g.RecipientID)
		dek, err := crypto.Open(oldKey, g.WrappedDEK, aad)
		if err != nil {
			return fmt.Errorf("rewrap grant %s: %w", g.ID, ErrIntegrity)
		}
		wrapped, err := crypto.Seal(newKey, dek, aad)
		crypto.Zero(dek)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.KeyGrant{}).Where("id = ?", g.ID).
			Update("wrapped_dek", wrapped).Error; err != nil {
			return fmt.Errorf("rewrap grant %s: %w", g.ID, err)
		}
	}
	return nil
}

// EnablePassword 给成员开启口令保护。已开启的必须走 ChangePassword。
// 已有密钥对时从便捷密钥下换包裹，没有则现场签发；
// 之前在便捷密钥下铸造的所有者授权一并换到新主密钥下。
func (k *Keyring) EnablePassword(user *models.User, password string) error {
	if user.PasswordProtected {
		return ErrAlreadyProtected
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	master := crypto.DeriveMasterKey(password, salt, k.Iterations)
	defer crypto.Zero(master)

	var privDER []byte
	if len(user.WrappedPrivateKey) > 0 {
		// 已有密钥对：从便捷密钥下解出来再换包裹
		privDER, err = crypto.Open(crypto.ConvenienceKey(user.ID), user.WrappedPrivateKey, privateKeyAAD(user.ID))
		if err != nil {
			return ErrIntegrity
		}
	} else {
		priv, err := crypto.GenerateKeypair()
		if err != nil {
			return err
		}
		pubDER, err := crypto.MarshalPublicKey(&priv.PublicKey)
		if err != nil {
			return err
		}
		user.PublicKey = pubDER
		privDER = crypto.MarshalPrivateKey(priv)
	}
	defer crypto.Zero(privDER)

	wrapped, err := crypto.Seal(master, privDER, privateKeyAAD(user.ID))
	if err != nil {
		return err
	}

	user.PasswordProtected = true
	user.PasswordSalt = salt
	user.PasswordIterations = k.Iterations
	user.WrappedPrivateKey = wrapped
	return k.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(user).Updates(map[string]interface{}{
			"password_protected":  true,
			"password_salt":       salt,
			"password_iterations": k.Iterations,
			"public_key":          user.PublicKey,
			"wrapped_private_key": wrapped,
		}).Error; err != nil {
			return fmt.Errorf("persist password protection: %w", err)
		}
		return rewrapOwnerGrants(tx, user.ID, crypto.ConvenienceKey(user.ID), master)
	})
}

// ChangePassword 修改口令：用旧口令解开私钥验证，私钥和名下的
// 主密钥授权一起换到新主密钥下。
func (k *Keyring) ChangePassword(user *models.User, oldPassword, newPassword string) error {
	if !user.PasswordProtected {
		return ErrNotProtected
	}

	oldMaster := crypto.DeriveMasterKey(oldPassword, user.PasswordSalt, user.PasswordIterations)
	defer crypto.Zero(oldMaster)
	privDER, err := crypto.Open(oldMaster, user.WrappedPrivateKey, privateKeyAAD(user.ID))
	if err != nil {
		return ErrInvalidCredential
	}
	defer crypto.Zero(privDER)

	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	newMaster := crypto.DeriveMasterKey(newPassword, salt, k.Iterations)
	defer crypto.Zero(newMaster)

	wrapped, err := crypto.Seal(newMaster, privDER, privateKeyAAD(user.ID))
	if err != nil {
		return err
	}

	user.PasswordSalt = salt
	user.PasswordIterations = k.Iterations
	user.WrappedPrivateKey = wrapped
	return k.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(user).Updates(map[string]interface{}{
			"password_salt":       salt,
			"password_iterations": k.Iterations,
			"wrapped_private_key": wrapped,
		}).Error; err != nil {
			return fmt.Errorf("persist password change: %w", err)
		}
		return rewrapOwnerGrants(tx, user.ID, oldMaster, newMaster)
	})
}

// DisablePassword 关闭口令保护。
//
// 策略（见 DESIGN.md）：成员名下还有加密实体时拒绝，避免"口令没了、
// 数据还加着密"的半吊子状态；没有加密实体后，私钥重新用便捷密钥包裹，
// 这样别人分享给 TA 的授权照常可用。
func (k *Keyring) DisablePassword(user *models.User, password string) error {
	if !user.PasswordProtected {
		return ErrNotProtected
	}

	master := crypto.DeriveMasterKey(password, user.PasswordSalt, user.PasswordIterations)
	defer crypto.Zero(master)
	privDER, err := crypto.Open(master, user.WrappedPrivateKey, privateKeyAAD(user.ID))
	if err != nil {
		return ErrInvalidCredential
	}
	defer crypto.Zero(privDER)

	var count int64
	if err := k.DB.Model(&models.Account{}).
		Where("owner_id = ? AND is_encrypted = ?", user.ID, true).
		Count(&count).Error; err != nil {
		return fmt.Errorf("count encrypted accounts: %w", err)
	}
	if count > 0 {
		return ErrOwnedEncryptedData
	}

	wrapped, err := crypto.Seal(crypto.ConvenienceKey(user.ID), privDER, privateKeyAAD(user.ID))
	if err != nil {
		return err
	}

	user.PasswordProtected = false
	user.PasswordSalt = nil
	user.PasswordIterations = 0
	user.WrappedPrivateKey = wrapped
	return k.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(user).Updates(map[string]interface{}{
			"password_protected":  false,
			"password_salt":       nil,
			"password_iterations": 0,
			"wrapped_private_key": wrapped,
		}).Error; err != nil {
			return fmt.Errorf("persist password removal: %w", err)
		}
		return rewrapOwnerGrants(tx, user.ID, master, crypto.ConvenienceKey(user.ID))
	})
}
