package auth

import "hash/fnv"

const DefaultAvatar = "/avatars/default.png"

var avatars = []string{
	"/avatars/bear.png",
	"/avatars/cat.png",
	"/avatars/dog.png",
	"/avatars/duck.png",
	"/avatars/gorilla.png",
	"/avatars/meerkat.png",
	"/avatars/owl.png",
	"/avatars/panda.png",
	"/avatars/sea-lion.png",
}

// AvatarFor picks an avatar deterministically from the user id.
func AvatarFor(userID string) string {
	if userID == "" || len(avatars) == 0 {
		return DefaultAvatar
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return avatars[h.Sum32()%uint32(len(avatars))]
}
