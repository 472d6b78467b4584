package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Fingerprint 对运行配置做内容寻址：JSON 序列化后取 SHA-256。
// encoding/json 会对 map 键排序，同一配置内容必然得到同一指纹，
// 串行与并行扫描因此产出相同的 run ID。
func Fingerprint(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("序列化运行配置失败: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// IDGen 是 run 级别的确定性 ID 生成器。以运行指纹为命名空间，
// 对 (kind, 序号) 做 UUIDv5 派生：同一配置重跑时订单、成交、
// 持仓拿到的 ID 逐一相同，与调度顺序无关。
// 每个 run 独占一个实例，绝不跨 run 共享。
type IDGen struct {
	ns  uuid.UUID
	seq map[string]uint64
}

// NewIDGen 用运行指纹构造生成器。
func NewIDGen(fingerprint string) *IDGen {
	return &IDGen{
		ns:  uuid.NewSHA1(uuid.NameSpaceOID, []byte(fingerprint)),
		seq: make(map[string]uint64),
	}
}

// Next 生成一个带类别前缀的确定性 ID，例如 ord-xxxx、fil-xxxx。
func (g *IDGen) Next(kind string) string {
	g.seq[kind]++
	id := uuid.NewSHA1(g.ns, []byte(fmt.Sprintf("%s-%d", kind, g.seq[kind])))
	return fmt.Sprintf("%s-%s", kind, id.String())
}
