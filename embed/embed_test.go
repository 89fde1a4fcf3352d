package embed

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/calegria/diagraph/llm"
)

// fakeClient returns canned vectors or a canned error.
type fakeClient struct {
	vecs [][]float32
	err  error
}

func (f *fakeClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vecs[:len(texts)], nil
}

func (f *fakeClient) Chat(ctx context.Context, msgs []llm.Message, system string, jsonMode bool) (string, error) {
	return "", nil
}

func (f *fakeClient) ChatStream(ctx context.Context, msgs []llm.Message, system string, fn func(string) error) error {
	return nil
}

func (f *fakeClient) ChatWithFile(ctx context.Context, msgs []llm.Message, system, filePath string, jsonMode bool) (string, error) {
	return "", nil
}

func (f *fakeClient) UpdateConfig(u llm.ConfigUpdate) {}

func TestEncodeNormalizes(t *testing.T) {
	e := New(&fakeClient{vecs: [][]float32{{3, 4, 0}}}, 3)
	vecs, err := e.Encode(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var sum float64
	for _, x := range vecs[0] {
		sum += float64(x) * float64(x)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("norm^2 = %f, want 1", sum)
	}
}

func TestEncodeDimensionMismatch(t *testing.T) {
	e := New(&fakeClient{vecs: [][]float32{{1, 2}}}, 3)
	if _, err := e.Encode(context.Background(), []string{"x"}); !errors.Is(err, ErrDimension) {
		t.Fatalf("err = %v, want ErrDimension", err)
	}
}

func TestEncodeOrZeroFallback(t *testing.T) {
	e := New(&fakeClient{err: errors.New("backend down")}, 4)
	vec := e.EncodeOrZero(context.Background(), "x")
	if len(vec) != 4 {
		t.Fatalf("len = %d, want 4", len(vec))
	}
	for i, x := range vec {
		if x != 0 {
			t.Errorf("vec[%d] = %f, want 0", i, x)
		}
	}
}

func TestEncodeEmptyBatch(t *testing.T) {
	e := New(&fakeClient{}, 3)
	vecs, err := e.Encode(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("got %v, %v; want nil, nil", vecs, err)
	}
}
