package canvassync

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

type ByJwt struct {
	UserId   Id
	ClientId Id
	CanvasId Id
}

// the jwt is verified by the backend. The client only needs the embedded ids.
func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			byJwt.ClientId = clientId
		}
	}
	if canvasIdStr, ok := claims["canvas_id"].(string); ok {
		if canvasId, err := ParseId(canvasIdStr); err == nil {
			byJwt.CanvasId = canvasId
		}
	}

	return byJwt, nil
}

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) ClientId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.ClientId, nil
}
