package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blocktools/massblock/internal/types"
)

// graphql user payload shapes. Only the fields the decision ladder
// consumes are decoded.
type userResult struct {
	TypeName string `json:"__typename"`
	RestID   string `json:"rest_id"`
	Reason   string `json:"reason"`
	Legacy   *struct {
		IDStr      string `json:"id_str"`
		ScreenName string `json:"screen_name"`
		Name       string `json:"name"`
		Following  bool   `json:"following"`
		FollowedBy bool   `json:"followed_by"`
		Blocking   bool   `json:"blocking"`
		BlockedBy  bool   `json:"blocked_by"`
		Protected  bool   `json:"protected"`
	} `json:"legacy"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type singleUserResponse struct {
	Data struct {
		User struct {
			Result *userResult `json:"result"`
		} `json:"user"`
	} `json:"data"`
	Errors []graphqlError `json:"errors"`
}

type batchUserResponse struct {
	Data struct {
		Users []struct {
			Result *userResult `json:"result"`
		} `json:"users"`
	} `json:"data"`
	Errors []graphqlError `json:"errors"`
}

// parseUserResponse decodes a single-user GraphQL payload. A "User
// not found" GraphQL error becomes a record with not_found
// availability; an empty payload is ErrUserNotFound.
func parseUserResponse(body []byte, userID, handle string, now time.Time) (*types.FullUser, error) {
	var resp singleUserResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding user response: %w", err)
	}

	if resp.Data.User.Result != nil {
		return resultToUser(resp.Data.User.Result, userID, handle, now), nil
	}

	for _, gerr := range resp.Errors {
		if strings.Contains(gerr.Message, "User not found") {
			return &types.FullUser{Profile: types.Profile{
				ID:           userID,
				Handle:       handle,
				Availability: types.AvailNotFound,
				FetchedAt:    now,
			}}, nil
		}
	}
	return nil, ErrUserNotFound
}

// parseBatchResponse decodes a batch payload. Every requested id gets
// a map entry; ids the remote dropped map to nil.
func parseBatchResponse(body []byte, ids []string, now time.Time) (map[string]*types.FullUser, error) {
	var resp batchUserResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding batch response: %w", err)
	}

	out := make(map[string]*types.FullUser, len(ids))
	for _, id := range ids {
		out[id] = nil
	}

	// Results are positional when the remote returns a full list;
	// otherwise fall back to matching on rest_id.
	positional := len(resp.Data.Users) == len(ids)
	for i, entry := range resp.Data.Users {
		if entry.Result == nil {
			continue
		}
		id := entry.Result.RestID
		if id == "" && entry.Result.Legacy != nil {
			id = entry.Result.Legacy.IDStr
		}
		if id == "" && positional {
			id = ids[i]
		}
		if _, requested := out[id]; !requested {
			continue
		}
		out[id] = resultToUser(entry.Result, id, "", now)
	}
	return out, nil
}

func resultToUser(r *userResult, userID, handle string, now time.Time) *types.FullUser {
	id := r.RestID
	if id == "" && r.Legacy != nil {
		id = r.Legacy.IDStr
	}
	if id == "" {
		id = userID
	}

	if r.TypeName == "UserUnavailable" {
		return &types.FullUser{Profile: types.Profile{
			ID:           id,
			Handle:       handle,
			Availability: unavailableReason(r.Reason),
			FetchedAt:    now,
		}}
	}

	user := &types.FullUser{Profile: types.Profile{
		ID:           id,
		Handle:       handle,
		Availability: types.AvailActive,
		FetchedAt:    now,
	}}
	if r.Legacy != nil {
		if r.Legacy.ScreenName != "" {
			user.Handle = r.Legacy.ScreenName
		}
		user.DisplayName = r.Legacy.Name
		user.Relationship = types.Relationship{
			Following:  r.Legacy.Following,
			FollowedBy: r.Legacy.FollowedBy,
			Blocking:   r.Legacy.Blocking,
			BlockedBy:  r.Legacy.BlockedBy,
			Protected:  r.Legacy.Protected,
			FetchedAt:  now,
		}
	}
	return user
}

// unavailableReason maps the remote's reason string onto the
// availability set. Unknown reasons stay plain unavailable.
func unavailableReason(reason string) types.Availability {
	switch strings.ToLower(reason) {
	case "suspended":
		return types.AvailSuspended
	case "deactivated":
		return types.AvailDeactivated
	case "not_found", "notfound":
		return types.AvailNotFound
	}
	return types.AvailUnavailable
}
