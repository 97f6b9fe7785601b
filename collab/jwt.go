package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// RoomJwt carries the claims the engine reads from the room credential for
// local bookkeeping. The credential itself stays opaque: verification is the
// relay's job, not the client's.
type RoomJwt struct {
	UserId   string
	BoardId  string
	Username string
	ViewOnly bool
}

func ParseRoomJwtUnverified(jwt string) (*RoomJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	roomJwt := &RoomJwt{}

	if userId, ok := claims["user_id"].(string); ok {
		roomJwt.UserId = userId
	}
	if boardId, ok := claims["board_id"].(string); ok {
		roomJwt.BoardId = boardId
	}
	if username, ok := claims["username"].(string); ok {
		roomJwt.Username = username
	}
	if viewOnly, ok := claims["view_only"].(bool); ok {
		roomJwt.ViewOnly = viewOnly
	}

	return roomJwt, nil
}
