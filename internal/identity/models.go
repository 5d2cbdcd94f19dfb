package identity

import (
	"time"

	"gorm.io/gorm"
)

// User 系统用户。密码以 bcrypt 散列存储，角色通过 UserRole
// 关联表授予。
type User struct {
	ID           string `json:"id" gorm:"primaryKey;type:uuid"`
	Email        string `json:"email" gorm:"size:255;not null;uniqueIndex"`
	FullName     string `json:"fullName" gorm:"size:255"`
	PasswordHash string `json:"-" gorm:"size:255;not null"`
	Status       string `json:"status" gorm:"size:20;not null;default:active"` // active, disabled

	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// Active 用户是否可登录
func (u *User) Active() bool {
	return u.Status == "active"
}

// Role 工作流角色。名称与阶段注册表的 permitted_roles 一致，
// priority 决定主要角色的展示顺序。
type Role struct {
	ID          string `json:"id" gorm:"primaryKey;type:uuid"`
	Name        string `json:"name" gorm:"size:100;not null;uniqueIndex"`
	Description string `json:"description" gorm:"size:255"`
	Priority    int    `json:"priority" gorm:"not null;default:0"`

	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// UserRole 用户与角色的关联
type UserRole struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID    string    `json:"userId" gorm:"type:uuid;not null;index:idx_user_role,unique"`
	RoleID    string    `json:"roleId" gorm:"type:uuid;not null;index:idx_user_role,unique"`
	CreatedAt time.Time `json:"createdAt"`
}

// DefaultRoles 内置角色集。覆盖阶段注册表各阶段 submit/approve
// 权限引用的全部角色名，System Manager 拥有最高优先级。
func DefaultRoles() []Role {
	return []Role{
		{Name: "System Manager", Description: "Full workflow administration", Priority: 100},
		{Name: "Project Manager", Description: "Project planning and oversight", Priority: 90},
		{Name: "Sales Manager", Description: "Client approval escalations", Priority: 80},
		{Name: "Job Coordinator", Description: "Job order submission", Priority: 70},
		{Name: "Estimator", Description: "Cost and scope estimation", Priority: 65},
		{Name: "Client", Description: "External client approval", Priority: 60},
		{Name: "Resource Coordinator", Description: "Team and resource planning", Priority: 55},
		{Name: "Site Supervisor", Description: "On-site execution lead", Priority: 50},
		{Name: "Quality Inspector", Description: "Review and quality sign-off", Priority: 45},
		{Name: "Accountant", Description: "Invoicing approval", Priority: 40},
		{Name: "Billing Clerk", Description: "Invoice preparation", Priority: 35},
		{Name: "Document Controller", Description: "Closeout documentation", Priority: 30},
		{Name: "Technician", Description: "Execution crew member", Priority: 20},
	}
}
