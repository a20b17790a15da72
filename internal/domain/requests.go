package domain

type Attachment struct {
	Content string `json:"contenido" validate:"required,base64"`
	Name    string `json:"nombre" validate:"required"`
	Mime    string `json:"mime,omitempty"`
}

type SendEmailRequest struct {
	Application    string            `json:"aplicacion" validate:"required"`
	Email          string            `json:"email" validate:"required,email"`
	Subject        string            `json:"asunto" validate:"required,max=255"`
	HTML           string            `json:"html" validate:"required"`
	FromName       string            `json:"from_name,omitempty" validate:"omitempty,max=255"`
	Attachments    []Attachment      `json:"archivos,omitempty" validate:"omitempty,dive"`
	Variables      map[string]string `json:"variables,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	FilterMetadata map[string]any    `json:"filter_metadata,omitempty"`
}

type SendWhatsAppRequest struct {
	Phone          string            `json:"phone" validate:"required,numeric,len=12,startswith=57"`
	TemplateID     string            `json:"plantilla_id" validate:"required,max=255"`
	Parameters     map[string]string `json:"parameters" validate:"required"`
	Context        string            `json:"contexto,omitempty" validate:"omitempty,max=255"`
	Application    string            `json:"aplicacion,omitempty" validate:"omitempty,max=255"`
	FilterMetadata map[string]any    `json:"filter_metadata,omitempty"`
}

// SaveCredentialRequest creates or updates a tenant credential. Fields holds
// provider specific values (account_sid, auth_token, from, host, ...).
type SaveCredentialRequest struct {
	Channel   Channel           `json:"tipo" validate:"required,oneof=email whatsapp sms"`
	Provider  string            `json:"proveedor" validate:"required,oneof=twilio smtp sendgrid"`
	Fields    map[string]string `json:"credenciales" validate:"required"`
	IsDefault *bool             `json:"es_predeterminado,omitempty"`
}

const (
	CredentialsOwn    = "propias"
	CredentialsSystem = "sistema"
)

type SendResponse struct {
	Success         bool    `json:"success"`
	Message         string  `json:"message"`
	DeliveryID      string  `json:"envio_id"`
	Status          Status  `json:"status"`
	CredentialsUsed string  `json:"credenciales_usadas"`
	Limits          *Limits `json:"limites"`
}

type CredentialView struct {
	ID                  int64   `json:"id"`
	Channel             Channel `json:"tipo"`
	Provider            string  `json:"proveedor"`
	Active              bool    `json:"activo"`
	IsDefault           bool    `json:"es_predeterminado"`
	VerificationState   string  `json:"estado_verificacion"`
	VerificationMessage string  `json:"mensaje_verificacion,omitempty"`
}

func ViewCredential(c Credential) CredentialView {
	return CredentialView{
		ID:                  c.ID,
		Channel:             c.Channel,
		Provider:            c.Provider,
		Active:              c.Active,
		IsDefault:           c.IsDefault,
		VerificationState:   c.VerificationState,
		VerificationMessage: c.VerificationMessage,
	}
}
