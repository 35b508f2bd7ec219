package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TelegramChannel шлёт сообщения в чат через Bot API (best-effort, не
// блокирует основной поток обработки).
type TelegramChannel struct {
	token      string
	chatID     string
	baseURL    string
	httpClient *http.Client
}

// NewTelegramChannel возвращает канал. При пустом токене или chatID канал
// считается выключенным.
func NewTelegramChannel(token, chatID string) *TelegramChannel {
	return &TelegramChannel{
		token:   token,
		chatID:  chatID,
		baseURL: "https://api.telegram.org",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Enabled() bool { return c.token != "" && c.chatID != "" }

func (c *TelegramChannel) Send(ctx context.Context, p Payload) error {
	return c.sendMessage(ctx, formatText(p))
}

func (c *TelegramChannel) Test(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/bot"+c.token+"/getMe", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram getMe: status %d", resp.StatusCode)
	}
	return nil
}

func (c *TelegramChannel) sendMessage(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": c.chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage: status %d", resp.StatusCode)
	}
	return nil
}

// formatText строит человекочитаемый текст сообщения по виду события.
func formatText(p Payload) string {
	switch v := p.(type) {
	case NewRequest:
		return fmt.Sprintf("Новая заявка %s: %s\nКатегория: %s, %s\nПриоритет: %s\nЗаявитель: %s",
			v.RequestNumber, v.Title, v.Category, v.Location, v.Priority, v.RequesterName)
	case Assigned:
		return fmt.Sprintf("Заявка %s назначена: %s\nИсполнитель: %s", v.RequestNumber, v.Title, v.TechnicianName)
	case Accepted:
		return fmt.Sprintf("Заявка %s принята исполнителем %s: %s", v.RequestNumber, v.TechnicianName, v.Title)
	case Started:
		return fmt.Sprintf("Заявка %s в работе: %s\nИсполнитель: %s", v.RequestNumber, v.Title, v.TechnicianName)
	case Completed:
		return fmt.Sprintf("Заявка %s выполнена: %s\nИсполнитель: %s", v.RequestNumber, v.Title, v.TechnicianName)
	case Cancelled:
		if v.Reason != "" {
			return fmt.Sprintf("Заявка %s отменена: %s\nПричина: %s", v.RequestNumber, v.Title, v.Reason)
		}
		return fmt.Sprintf("Заявка %s отменена: %s", v.RequestNumber, v.Title)
	case Rejected:
		return fmt.Sprintf("Заявка %s отклонена исполнителем %s: %s\nПричина: %s",
			v.RequestNumber, v.TechnicianName, v.Title, v.Reason)
	case StatusChanged:
		return fmt.Sprintf("Заявка %s: статус %s -> %s (%s)", v.RequestNumber, v.OldStatus, v.NewStatus, v.Title)
	case DailyReport:
		text := fmt.Sprintf("Отчёт за %s: всего заявок %d", v.Date, v.Total)
		for status, n := range v.ByStatus {
			text += fmt.Sprintf("\n%s: %d", status, n)
		}
		return text
	default:
		return fmt.Sprintf("Событие %s", p.Kind())
	}
}
