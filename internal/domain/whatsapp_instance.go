package domain

import "time"

// WhatsAppInstance is the persisted state of a managed WhatsApp instance.
type WhatsAppInstance struct {
	ID                    int64     `json:"id,string" gorm:"primaryKey"`
	InstanceId            string    `json:"instance_id" gorm:"uniqueIndex;size:64"`
	OwnerRef              string    `json:"owner_ref"`
	Jid                   string    `json:"jid"` // bound after the first successful pairing
	Phone                 string    `json:"phone"`
	Name                  string    `json:"name"`
	Status                string    `json:"status" gorm:"index"`
	AttemptCount          int       `json:"attempt_count"`
	IntentionalDisconnect bool      `json:"intentional_disconnect"`
	LastError             string    `json:"last_error"`
	LastUpdate            time.Time `json:"last_update"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func (WhatsAppInstance) TableName() string {
	return "whatsapp_instance"
}
