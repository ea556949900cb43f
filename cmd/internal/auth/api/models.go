package authapi

import (
	"time"

	"neontalk/cmd/internal/store"
)

type registerRequest struct {
	Phone       string `json:"phone"`
	DisplayName string `json:"display_name"`
	PublicKey   string `json:"public_key"`
}

type loginRequest struct {
	Phone string `json:"phone"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type postMessageRequest struct {
	RecipientID string `json:"recipient_id"`
	Ciphertext  string `json:"ciphertext"`
	Nonce       string `json:"nonce"`
}

type subscribeRequest struct {
	Endpoint string                 `json:"endpoint"`
	Keys     store.SubscriptionKeys `json:"keys"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Phone       string    `json:"phone"`
	DisplayName string    `json:"display_name"`
	PublicKey   string    `json:"public_key"`
	CreatedAt   time.Time `json:"created_at"`
}

type sessionResponse struct {
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	RefreshToken    string    `json:"refresh_token"`
}

type authResponse struct {
	User    userResponse    `json:"user"`
	Session sessionResponse `json:"session"`
}

type refreshResponse struct {
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}

type meResponse struct {
	User userResponse `json:"user"`
}

type usersResponse struct {
	Users []userResponse `json:"users"`
}

type keyResponse struct {
	PublicKey string `json:"public_key"`
}

type messageResponse struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Ciphertext  string    `json:"ciphertext"`
	Nonce       string    `json:"nonce"`
	CreatedAt   time.Time `json:"created_at"`
}

type messagesResponse struct {
	Messages []messageResponse `json:"messages"`
}

type postMessageResponse struct {
	Message messageResponse `json:"message"`
}

type vapidResponse struct {
	Key string `json:"key"`
}

func toUserResponse(u store.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Phone:       u.Phone,
		DisplayName: u.DisplayName,
		PublicKey:   u.PublicKey,
		CreatedAt:   u.CreatedAt,
	}
}

func toMessageResponse(m store.Message) messageResponse {
	return messageResponse{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Ciphertext:  m.Ciphertext,
		Nonce:       m.Nonce,
		CreatedAt:   m.CreatedAt,
	}
}
