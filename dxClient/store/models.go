// Package store contains GORM-backed SQLite models forming the local projection
// of the data-exchange directory.
//
// Database Structure (database file: dxdirectory.db):
//
//	user_accounts           registered providers, consumers and auditors
//	data_entries            provider offers keyed by dataKey
//	data_entry_agreements   off-chain signed proposals awaiting a counter-party
//	eas                     deployed executable agreement scripts
//	eas_invocations         download records against an EAS
//	audit_trail_log_entries one human-readable entry per confirmed transaction
//	block_checkpoints       per-block scan completion flags
//
// Every row except block checkpoints is scoped by DirectoryID, the lower-case
// registry contract address.
package store

import (
	"time"
)

// Role names as stored in UserAccount.Role and DataEntryAgreement.Role.
const (
	RoleProvider = "provider"
	RoleConsumer = "consumer"
	RoleAuditor  = "auditor"
)

// UserAccount is a registered directory participant.
type UserAccount struct {
	ID                 uint   `gorm:"primaryKey"`
	DirectoryID        string `gorm:"not null;uniqueIndex:idx_account_address;uniqueIndex:idx_account_user"`
	Role               string `gorm:"not null;uniqueIndex:idx_account_address;uniqueIndex:idx_account_user"`
	UserID             string `gorm:"not null;uniqueIndex:idx_account_user"`
	UserAddress        string `gorm:"not null;uniqueIndex:idx_account_address"`
	PasswordHash       string
	IsConfirmed        bool   `gorm:"not null"` // false -> true once the registration tx is reconciled
	RegistrationTxHash string `gorm:"index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (UserAccount) TableName() string { return "user_accounts" }

// DataEntry is a provider's offer of a data set.
type DataEntry struct {
	DirectoryID     string `gorm:"primaryKey"`
	DataKey         string `gorm:"primaryKey"` // creation timestamp followed by the certificate
	ProviderID      string `gorm:"index"`
	ProviderAddress string `gorm:"index;not null"`
	Certificate     string `gorm:"index;not null"`
	OwnerCode       string
	Title           string `gorm:"index"`
	Description     string `gorm:"type:text"`
	AccessPath      string
	Gender          string
	AgeLowerBound   int
	AgeUpperBound   int
	OfferPrice      string `gorm:"not null"` // decimal uint256
	CreationDate    time.Time
	DueDate         time.Time `gorm:"index"`
	IsOffered       bool      `gorm:"not null;index"` // true -> false once
	IsConfirmed     bool      `gorm:"not null"`       // false -> true once
	CreationTxHash  string    `gorm:"index"`
	DeletionTxHash  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (DataEntry) TableName() string { return "data_entries" }

// DataEntryAgreement is one party's signed proposal for a data entry.
type DataEntryAgreement struct {
	ID                uint   `gorm:"primaryKey"`
	DirectoryID       string `gorm:"not null;index:idx_agreement_pair"`
	DataKey           string `gorm:"not null;index:idx_agreement_pair"`
	Role              string `gorm:"not null"`
	UserID            string `gorm:"not null"`
	TargetUserID      string `gorm:"not null"`
	UserAddress       string `gorm:"not null;index:idx_agreement_pair"`
	TargetUserAddress string `gorm:"not null"`
	Certificate       string
	BiddingPrice      string `gorm:"not null"` // decimal uint256
	ExpirationDate    time.Time
	Acknowledgement   string `gorm:"type:text"` // signed agreement message as submitted
	IsRejected        bool   `gorm:"not null"`  // terminal for this row
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (DataEntryAgreement) TableName() string { return "data_entry_agreements" }

// EAS is an executable agreement script granting a consumer access to an entry.
type EAS struct {
	DirectoryID      string `gorm:"column:directory_id;primaryKey;uniqueIndex:idx_eas_deployment"`
	EASID            string `gorm:"column:eas_id;primaryKey"` // provisional until the deployment is reconciled
	DataKey          string `gorm:"column:data_key;index;not null"`
	Certificate      string `gorm:"column:certificate"`
	ProviderAddress  string `gorm:"column:provider_address;index"`
	ConsumerID       string `gorm:"column:consumer_id;index"`
	ConsumerAddress  string `gorm:"column:consumer_address;index;not null"`
	BiddingPrice     string `gorm:"column:bidding_price;not null"`
	DeploymentDate   time.Time `gorm:"column:deployment_date"`
	ExpirationDate   time.Time `gorm:"column:expiration_date;index"`
	ProviderAck      string    `gorm:"column:provider_ack;type:text"`
	ConsumerAck      string    `gorm:"column:consumer_ack;type:text"`
	IsValid          bool      `gorm:"column:is_valid;not null;index"` // true -> false once
	IsConfirmed      bool      `gorm:"column:is_confirmed;not null"`
	DownloadCount    uint64    `gorm:"column:download_count;not null"`
	DeploymentTxHash string    `gorm:"column:deployment_tx_hash;not null;uniqueIndex:idx_eas_deployment"`
	RevocationTxHash string    `gorm:"column:revocation_tx_hash"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (EAS) TableName() string { return "eas" }

// EASInvocation records one download attempt against an EAS.
type EASInvocation struct {
	DirectoryID      string `gorm:"primaryKey"`
	TxHash           string `gorm:"primaryKey"`
	DataKey          string `gorm:"index;not null"`
	Certificate      string
	InvocationDate   time.Time
	InvocationRecord string `gorm:"type:text"`
	DownloadStatus   bool   `gorm:"not null"`
	IsConfirmed      bool   `gorm:"not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (EASInvocation) TableName() string { return "eas_invocations" }

// AuditTrailLogEntry is the append-only audit record; at most one per tx hash.
type AuditTrailLogEntry struct {
	ID          uint   `gorm:"primaryKey"`
	DirectoryID string `gorm:"not null;uniqueIndex:idx_audit_tx"`
	TxHash      string `gorm:"not null;uniqueIndex:idx_audit_tx"`
	Certificate string `gorm:"index"`
	LoggingDate time.Time
	Message     string `gorm:"type:text"`
	CreatedAt   time.Time
}

func (AuditTrailLogEntry) TableName() string { return "audit_trail_log_entries" }

// BlockCheckpoint tracks whether every relevant transaction of a block has
// been reconciled.
type BlockCheckpoint struct {
	BlockNumber     uint64 `gorm:"primaryKey;autoIncrement:false"`
	SyncIsCompleted bool   `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (BlockCheckpoint) TableName() string { return "block_checkpoints" }
