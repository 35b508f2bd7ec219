package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/repair-service/internal/model"
	"github.com/psds-microservice/repair-service/internal/service"
)

// Заголовки личности, проставляемые шлюзом после валидации токена
// (выпуск и проверка JWT — внешний коллаборатор).
const (
	headerUserID       = "X-User-Id"
	headerUserRole     = "X-User-Role"
	headerTechnicianID = "X-Technician-Id"

	actorKey = "actor"
)

// Identity извлекает актора из заголовков шлюза; без валидной личности — 401.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseUint(c.GetHeader(headerUserID), 10, 64)
		if err != nil || userID == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid identity"})
			return
		}
		role := model.Role(c.GetHeader(headerUserRole))
		switch role {
		case model.RoleRequester, model.RoleTechnician, model.RoleAdmin:
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid role"})
			return
		}
		actor := service.Actor{UserID: userID, Role: role}
		if role == model.RoleTechnician {
			techID, err := strconv.ParseUint(c.GetHeader(headerTechnicianID), 10, 64)
			if err != nil || techID == 0 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "technician identity required"})
				return
			}
			actor.TechnicianID = techID
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) service.Actor {
	v, _ := c.Get(actorKey)
	actor, _ := v.(service.Actor)
	return actor
}
