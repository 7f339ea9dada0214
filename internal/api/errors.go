package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/vnmchuo/promptmaster/internal/orchestrator"
	"github.com/vnmchuo/promptmaster/internal/provider"
)

const DefaultLanguage = orchestrator.DefaultLanguage

// statusClientClosedRequest is nginx's code for a caller that hung up.
const statusClientClosedRequest = 499

type messageID int

const (
	msgBadRequest messageID = iota
	msgTextRequired
	msgMessagesRequired
	msgRateLimited
	msgNoProvider
	msgUnavailable
	msgProviderFailed
	msgForbidden
	msgInternal
)

var messages = map[string]map[messageID]string{
	"uz": {
		msgBadRequest:       "So'rov noto'g'ri formatda.",
		msgTextRequired:     "Matn talab qilinadi.",
		msgMessagesRequired: "Xabarlar talab qilinadi.",
		msgRateLimited:      "Juda ko'p so'rov yuborildi. Iltimos, birozdan keyin qayta urinib ko'ring.",
		msgNoProvider:       "API key topilmadi. Iltimos, Settings sahifasida API key kiriting.",
		msgUnavailable:      "Xizmat vaqtincha mavjud emas. Iltimos, keyinroq qayta urinib ko'ring.",
		msgProviderFailed:   "AI xizmati so'rovni bajara olmadi.",
		msgForbidden:        "Ruxsat berilmagan.",
		msgInternal:         "Xatolik yuz berdi.",
	},
	"en": {
		msgBadRequest:       "The request is malformed.",
		msgTextRequired:     "Text is required.",
		msgMessagesRequired: "Messages are required.",
		msgRateLimited:      "Too many requests. Please try again shortly.",
		msgNoProvider:       "No API key found. Please add an API key on the Settings page.",
		msgUnavailable:      "The service is temporarily unavailable. Please try again later.",
		msgProviderFailed:   "The AI service could not complete the request.",
		msgForbidden:        "Forbidden.",
		msgInternal:         "Something went wrong.",
	},
	"ru": {
		msgBadRequest:       "Некорректный запрос.",
		msgTextRequired:     "Требуется текст.",
		msgMessagesRequired: "Требуются сообщения.",
		msgRateLimited:      "Слишком много запросов. Пожалуйста, повторите попытку позже.",
		msgNoProvider:       "API-ключ не найден. Добавьте API-ключ на странице настроек.",
		msgUnavailable:      "Сервис временно недоступен. Пожалуйста, повторите попытку позже.",
		msgProviderFailed:   "AI-сервис не смог выполнить запрос.",
		msgForbidden:        "Доступ запрещён.",
		msgInternal:         "Произошла ошибка.",
	},
	"tr": {
		msgBadRequest:       "İstek hatalı biçimde.",
		msgTextRequired:     "Metin gereklidir.",
		msgMessagesRequired: "Mesajlar gereklidir.",
		msgRateLimited:      "Çok fazla istek gönderildi. Lütfen kısa bir süre sonra tekrar deneyin.",
		msgNoProvider:       "API anahtarı bulunamadı. Lütfen Ayarlar sayfasından bir API anahtarı girin.",
		msgUnavailable:      "Hizmet geçici olarak kullanılamıyor. Lütfen daha sonra tekrar deneyin.",
		msgProviderFailed:   "Yapay zeka hizmeti isteği tamamlayamadı.",
		msgForbidden:        "Erişim reddedildi.",
		msgInternal:         "Bir hata oluştu.",
	},
}

func localized(lang string, id messageID) string {
	return messages[orchestrator.NormalizeLanguage(lang)][id]
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// classify maps an orchestrator error onto a status code and a generic message.
func classify(err error) (int, messageID, string) {
	var verr *orchestrator.ValidationError
	var rerr *orchestrator.RateLimitedError
	var nerr *orchestrator.NoProviderAvailableError
	var perr *provider.Error

	switch {
	case errors.As(err, &verr):
		if verr.Field == "text" {
			return http.StatusBadRequest, msgTextRequired, "validation"
		}
		return http.StatusBadRequest, msgBadRequest, "validation"
	case errors.As(err, &rerr):
		return http.StatusTooManyRequests, msgRateLimited, "rate_limited"
	case errors.As(err, &nerr):
		// A tier that was tried and failed is an outage, not missing keys.
		if errors.As(nerr.Cause, &perr) {
			if perr.Kind == provider.KindFatal {
				return http.StatusBadGateway, msgProviderFailed, perr.Kind.String()
			}
			return http.StatusServiceUnavailable, msgUnavailable, perr.Kind.String()
		}
		return http.StatusInternalServerError, msgNoProvider, "no_provider"
	case errors.As(err, &perr):
		if perr.Kind == provider.KindFatal {
			return http.StatusBadGateway, msgProviderFailed, perr.Kind.String()
		}
		return http.StatusServiceUnavailable, msgUnavailable, perr.Kind.String()
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, msgUnavailable, "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, msgUnavailable, "timeout"
	default:
		return http.StatusInternalServerError, msgInternal, "internal"
	}
}

func setRateLimitHeaders(w http.ResponseWriter, rerr *orchestrator.RateLimitedError) {
	w.Header().Set("Retry-After", strconv.Itoa(rerr.RetryAfterSeconds))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rerr.Limit))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rerr.ResetAt.Unix(), 10))
}
