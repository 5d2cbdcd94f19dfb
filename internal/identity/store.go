package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrUserNotFound 用户不存在或已删除
	ErrUserNotFound = errors.New("identity: user not found")
	// ErrInvalidCredentials 邮箱或密码错误，或用户被禁用
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrEmailTaken 邮箱已被注册
	ErrEmailTaken = errors.New("identity: email already registered")
	// ErrRoleNotFound 角色不存在
	ErrRoleNotFound = errors.New("identity: role not found")
)

// Store 用户与角色存储。实现 workflow.RoleResolver，
// 工作流服务用它把操作者 ID 解析为角色集合。
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore 创建身份存储
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// CreateUserRequest 创建用户的输入
type CreateUserRequest struct {
	Email    string   `json:"email" binding:"required,email"`
	FullName string   `json:"fullName"`
	Password string   `json:"password" binding:"required,min=8"`
	Roles    []string `json:"roles"`
}

// CreateUser 创建用户并授予指定角色。邮箱统一小写存储。
func (s *Store) CreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" {
		return nil, fmt.Errorf("%w: empty email", ErrUserNotFound)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("生成密码散列失败: %w", err)
	}

	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     req.FullName,
		PasswordHash: string(hash),
		Status:       "active",
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where("email = ?", email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrEmailTaken
		}
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		for _, name := range req.Roles {
			if err := assignRole(tx, user.ID, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("用户已创建",
		zap.String("user_id", user.ID),
		zap.String("email", user.Email),
		zap.Strings("roles", req.Roles))
	return user, nil
}

// Authenticate 校验邮箱与密码，成功返回用户及其角色。
// 禁用用户与密码错误返回同一错误，避免暴露账户状态。
func (s *Store) Authenticate(ctx context.Context, email, password string) (*User, []string, error) {
	clean := strings.TrimSpace(strings.ToLower(email))
	var user User
	if err := s.db.WithContext(ctx).First(&user, "email = ?", clean).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("加载用户失败: %w", err)
	}

	if !user.Active() {
		return nil, nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	roles, err := s.Roles(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	return &user, roles, nil
}

// GetUser 按 ID 加载用户
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("加载用户失败: %w", err)
	}
	return &user, nil
}

// Roles 解析用户的角色名集合，按角色优先级降序。
// 未授予任何角色时返回空集，不虚构默认角色。
func (s *Store) Roles(ctx context.Context, userID string) ([]string, error) {
	var roles []string
	err := s.db.WithContext(ctx).
		Table("user_roles").
		Joins("JOIN roles ON roles.id = user_roles.role_id").
		Where("user_roles.user_id = ? AND roles.deleted_at IS NULL", userID).
		Order("roles.priority DESC").
		Pluck("roles.name", &roles).Error
	if err != nil {
		return nil, fmt.Errorf("解析用户角色失败: %w", err)
	}
	return roles, nil
}

// AssignRole 授予用户角色，重复授予为幂等
func (s *Store) AssignRole(ctx context.Context, userID, roleName string) error {
	return assignRole(s.db.WithContext(ctx), userID, roleName)
}

func assignRole(tx *gorm.DB, userID, roleName string) error {
	var role Role
	if err := tx.First(&role, "name = ?", roleName).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrRoleNotFound, roleName)
		}
		return err
	}
	return tx.Where(UserRole{UserID: userID, RoleID: role.ID}).
		FirstOrCreate(&UserRole{UserID: userID, RoleID: role.ID}).Error
}

// RevokeRole 收回用户角色
func (s *Store) RevokeRole(ctx context.Context, userID, roleName string) error {
	var role Role
	if err := s.db.WithContext(ctx).First(&role, "name = ?", roleName).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrRoleNotFound, roleName)
		}
		return err
	}
	return s.db.WithContext(ctx).
		Where("user_id = ? AND role_id = ?", userID, role.ID).
		Delete(&UserRole{}).Error
}

// SeedRoles 写入内置角色集，已存在的角色只更新描述与优先级
func (s *Store) SeedRoles(ctx context.Context) error {
	for _, role := range DefaultRoles() {
		var existing Role
		err := s.db.WithContext(ctx).First(&existing, "name = ?", role.Name).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			role.ID = uuid.NewString()
			if err := s.db.WithContext(ctx).Create(&role).Error; err != nil {
				return fmt.Errorf("写入角色 %s 失败: %w", role.Name, err)
			}
		case err != nil:
			return fmt.Errorf("查询角色 %s 失败: %w", role.Name, err)
		default:
			updates := map[string]any{"description": role.Description, "priority": role.Priority}
			if err := s.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
				return fmt.Errorf("更新角色 %s 失败: %w", role.Name, err)
			}
		}
	}
	return nil
}

// ListRoles 返回全部角色，按优先级降序
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	var roles []Role
	if err := s.db.WithContext(ctx).Order("priority DESC").Find(&roles).Error; err != nil {
		return nil, fmt.Errorf("查询角色失败: %w", err)
	}
	return roles, nil
}
