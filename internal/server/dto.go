package server

import (
	"fieldline/internal/domain"
)

// Request payloads

type CreateCompanyRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateOrderRequest struct {
	ClientName   string `json:"client_name"`
	ClientPhone  string `json:"client_phone,omitempty"`
	ClientEmail  string `json:"client_email,omitempty"`
	Address      string `json:"address"`
	City         string `json:"city,omitempty"`
	Priority     string `json:"priority,omitempty" enum:"high,medium,low"`
	AssigneeID   string `json:"assignee_id"`
	Description  string `json:"description"`
	ExternalChat string `json:"external_chat,omitempty"`
}

type UpdateOrderRequest struct {
	ClientName   *string `json:"client_name,omitempty"`
	ClientPhone  *string `json:"client_phone,omitempty"`
	ClientEmail  *string `json:"client_email,omitempty"`
	Address      *string `json:"address,omitempty"`
	City         *string `json:"city,omitempty"`
	Priority     *string `json:"priority,omitempty" enum:"high,medium,low"`
	Description  *string `json:"description,omitempty"`
	ExternalChat *string `json:"external_chat,omitempty"`
	AssigneeID   *string `json:"assignee_id,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,awaiting_part,completed,cancelled"`
}

type WriteStageRequest struct {
	Payload domain.StagePayload `json:"payload"`
}

type SendMessageRequest struct {
	Body      string `json:"body,omitempty"`
	MediaRef  string `json:"media_ref,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	External  bool   `json:"external,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type CompanyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type OrderResponse struct {
	ID           string               `json:"id"`
	CompanyID    string               `json:"company_id"`
	Code         string               `json:"code"`
	ClientName   string               `json:"client_name"`
	ClientPhone  string               `json:"client_phone,omitempty"`
	ClientEmail  string               `json:"client_email,omitempty"`
	Address      string               `json:"address"`
	City         string               `json:"city,omitempty"`
	Status       string               `json:"status" enum:"pending,in_progress,awaiting_part,completed,cancelled"`
	Priority     string               `json:"priority" enum:"high,medium,low"`
	AssigneeID   *string              `json:"assignee_id,omitempty"`
	Description  string               `json:"description"`
	ExternalChat string               `json:"external_chat,omitempty"`
	AcceptedAt   *string              `json:"accepted_at,omitempty" format:"date-time"`
	CompletedAt  *string              `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy  *string              `json:"completed_by,omitempty"`
	CreatedAt    string               `json:"created_at" format:"date-time"`
	UpdatedAt    string               `json:"updated_at" format:"date-time"`
	Stages       map[int]domain.Stage `json:"stages,omitempty"`
	Milestones   []string             `json:"milestones,omitempty"`
}

type MessageResponse struct {
	ID          string `json:"id"`
	Channel     string `json:"channel" enum:"internal,external"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name,omitempty"`
	Body        string `json:"body"`
	MediaRef    string `json:"media_ref,omitempty"`
	MediaType   string `json:"media_type,omitempty"`
	FromCompany bool   `json:"from_company"`
	Read        bool   `json:"read"`
	Timestamp   int64  `json:"timestamp"`
}

type ConversationResponse struct {
	Items    []MessageResponse `json:"items"`
	Degraded bool              `json:"degraded,omitempty"`
}

type NotificationResponse struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	OrderID   string `json:"order_id,omitempty"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	Audience  string `json:"audience,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RatingResponse struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id,omitempty"`
	MessageID string `json:"message_id"`
	Score     int    `json:"score"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type paginatedOrders struct {
	Items      []OrderResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func companyResponse(c domain.Company) CompanyResponse {
	return CompanyResponse{ID: c.ID, Name: c.Name, Status: c.Status, CreatedAt: c.CreatedAt}
}

func orderResponse(o domain.WorkOrder) OrderResponse {
	resp := OrderResponse{
		ID:           o.ID,
		CompanyID:    o.CompanyID,
		Code:         o.Code,
		ClientName:   o.ClientName,
		ClientPhone:  o.ClientPhone,
		ClientEmail:  o.ClientEmail,
		Address:      o.Address,
		City:         o.City,
		Status:       o.Status,
		Priority:     o.Priority,
		AssigneeID:   o.AssigneeID,
		Description:  o.Description,
		ExternalChat: o.ExternalChat,
		AcceptedAt:   o.AcceptedAt,
		CompletedAt:  o.CompletedAt,
		CompletedBy:  o.CompletedBy,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		Stages:       o.Stages,
	}
	for _, m := range o.Milestones {
		resp.Milestones = append(resp.Milestones, string(m))
	}
	return resp
}

func mapOrders(items []domain.WorkOrder) []OrderResponse {
	res := make([]OrderResponse, 0, len(items))
	for _, o := range items {
		res = append(res, orderResponse(o))
	}
	return res
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:          m.ID,
		Channel:     m.Channel,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Body:        m.Body,
		MediaRef:    m.MediaRef,
		MediaType:   m.MediaType,
		FromCompany: m.FromCompany,
		Read:        m.Read,
		Timestamp:   m.Timestamp,
	}
}

func mapMessages(items []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, messageResponse(m))
	}
	return res
}

func notificationResponse(n domain.Notification) NotificationResponse {
	return NotificationResponse{
		ID:        n.ID,
		CompanyID: n.CompanyID,
		OrderID:   n.OrderID,
		Type:      n.Type,
		Title:     n.Title,
		Body:      n.Body,
		Audience:  n.Audience,
		UserID:    n.UserID,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

func ratingResponse(r domain.Rating) RatingResponse {
	return RatingResponse{ID: r.ID, OrderID: r.OrderID, MessageID: r.MessageID, Score: r.Score, CreatedAt: r.CreatedAt}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}
