package api

// ForwardRequest carries one invocation. Tensors are flat row-major arrays:
// query [batch, seq_q, hidden], key_value [batch, seq_kv, hidden] for
// cross-attention layers and the optional mask [batch, seq_q, seq_kv].
// seq_kv defaults to seq_q.
type ForwardRequest struct {
	Batch    int       `json:"batch"`
	SeqQ     int       `json:"seq_q"`
	SeqKV    int       `json:"seq_kv,omitempty"`
	Query    []float32 `json:"query"`
	KeyValue []float32 `json:"key_value,omitempty"`
	Mask     []float32 `json:"mask,omitempty"`
}

type ForwardResponse struct {
	ID             string    `json:"id"`
	Output         []float32 `json:"output"`
	Shape          []int     `json:"shape"`
	WorkspaceBytes int       `json:"workspace_bytes"`
	ElapsedMS      float64   `json:"elapsed_ms"`
}

type RegionInfo struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Offset int    `json:"offset"`
	Bytes  int    `json:"bytes"`
}

type WorkspaceResponse struct {
	Batch   int          `json:"batch"`
	SeqQ    int          `json:"seq_q"`
	SeqKV   int          `json:"seq_kv"`
	Bytes   int          `json:"bytes"`
	Regions []RegionInfo `json:"regions"`
}

type LayerResponse struct {
	Hidden         int       `json:"hidden"`
	HeadNum        int       `json:"head_num"`
	HeadDim        int       `json:"head_dim"`
	CrossAttention bool      `json:"cross_attention"`
	Mode           string    `json:"mode"`
	DType          string    `json:"dtype"`
	Epsilon        float32   `json:"epsilon"`
	Scales         []float32 `json:"scales,omitempty"`
}
