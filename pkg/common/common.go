package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var (
	snowflakeNode *snowflake.Node
	snowflakeOnce sync.Once
)

// UUIDint64 returns a snowflake id. The node id is derived from the process
// id so multiple workers on one host do not collide.
func UUIDint64() int64 {
	snowflakeOnce.Do(func() {
		node, err := snowflake.NewNode(int64(os.Getpid() % 1024))
		if err != nil {
			node, _ = snowflake.NewNode(rand.Int63n(1024))
		}
		snowflakeNode = node
	})
	return snowflakeNode.Generate().Int64()
}

// Sha256Hash returns the hex-encoded sha256 digest of src.
func Sha256Hash(src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}

// WorkerID identifies this process in locks and audit events.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
