package vectorindex

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// ContentID derives a stable id from the text so re-ingesting the same
// content overwrites instead of duplicating.
func ContentID(namespace, text string) string {
	sum := md5.Sum([]byte(text))
	h := hex.EncodeToString(sum[:])
	if namespace == "" {
		return h
	}
	return namespace + "_" + h
}

// ChunkID identifies the index-th chunk of a topic.
func ChunkID(topicID string, index int) string {
	return fmt.Sprintf("%s_%d", topicID, index)
}
