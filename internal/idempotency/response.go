package idempotency

import (
	"net/http"
)

// HeaderPair 一个响应头，保留原始顺序和二进制值
type HeaderPair struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// Response 可重放的 HTTP 响应描述
type Response struct {
	StatusCode int          `json:"status_code"`
	Headers    []HeaderPair `json:"headers"`
	Body       []byte       `json:"body"`
}

// AddHeader 追加响应头，同名头不会被覆盖
func (r *Response) AddHeader(name, value string) {
	r.Headers = append(r.Headers, HeaderPair{Name: name, Value: []byte(value)})
}

// Write 把响应原样写回客户端
func (r Response) Write(w http.ResponseWriter) error {
	h := w.Header()
	for _, p := range r.Headers {
		h.Add(p.Name, string(p.Value))
	}
	w.WriteHeader(r.StatusCode)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// headerColumns 拆成两个等长数组写入 text[] / bytea[] 列
func (r Response) headerColumns() ([]string, [][]byte) {
	names := make([]string, 0, len(r.Headers))
	values := make([][]byte, 0, len(r.Headers))
	for _, p := range r.Headers {
		names = append(names, p.Name)
		values = append(values, p.Value)
	}
	return names, values
}

func headersFromColumns(names []string, values [][]byte) []HeaderPair {
	n := min(len(names), len(values))
	headers := make([]HeaderPair, 0, n)
	for i := 0; i < n; i++ {
		headers = append(headers, HeaderPair{Name: names[i], Value: values[i]})
	}
	return headers
}
