package cache

import "fmt"

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}

func LoginFailuresKey(client string) string {
	return fmt.Sprintf("login:failures:%s", client)
}

func DialogsKey(avatarID string) string {
	return fmt.Sprintf("dialogs:%s", avatarID)
}

func LoginLockKey(client string) string {
	return fmt.Sprintf("login:locked:%s", client)
}
