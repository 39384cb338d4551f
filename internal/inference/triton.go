package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TritonClassifier runs inference through a Triton server's HTTP/REST API.
// Frames are resized to the model input size, scaled to [0,1] and shipped as
// an FP32 NHWC tensor; the first output value is the anomaly score.
type TritonClassifier struct {
	url        string
	model      string
	inputName  string
	outputName string
	inputW     int
	inputH     int
	hc         *http.Client
}

func NewTritonClassifier(url, model, inputName, outputName string, inputW, inputH int) *TritonClassifier {
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	return &TritonClassifier{
		url:        strings.TrimRight(url, "/"),
		model:      model,
		inputName:  inputName,
		outputName: outputName,
		inputW:     inputW,
		inputH:     inputH,
		hc:         &http.Client{Timeout: 30 * time.Second},
	}
}

type tritonInput struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type tritonRequestedOutput struct {
	Name string `json:"name"`
}

type tritonInferRequest struct {
	Inputs  []tritonInput           `json:"inputs"`
	Outputs []tritonRequestedOutput `json:"outputs"`
}

type tritonInferResponse struct {
	Outputs []struct {
		Name string    `json:"name"`
		Data []float64 `json:"data"`
	} `json:"outputs"`
}

func (c *TritonClassifier) Classify(ctx context.Context, frame *Frame) (*Result, error) {
	body, err := json.Marshal(tritonInferRequest{
		Inputs: []tritonInput{{
			Name:     c.inputName,
			Shape:    []int{1, c.inputH, c.inputW, 3},
			Datatype: "FP32",
			Data:     c.preprocess(frame),
		}},
		Outputs: []tritonRequestedOutput{{Name: c.outputName}},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v2/models/%s/infer", c.url, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("triton returned %s", resp.Status)
	}

	var out tritonInferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode triton response: %w", err)
	}
	if len(out.Outputs) == 0 || len(out.Outputs[0].Data) == 0 {
		return nil, fmt.Errorf("triton response carried no output data")
	}

	return &Result{Label: "ANOMALY", Score: out.Outputs[0].Data[0]}, nil
}

// preprocess resizes with nearest-neighbour sampling and scales to [0,1].
func (c *TritonClassifier) preprocess(frame *Frame) []float32 {
	out := make([]float32, c.inputH*c.inputW*3)
	for y := 0; y < c.inputH; y++ {
		srcY := y * frame.Height / c.inputH
		for x := 0; x < c.inputW; x++ {
			srcX := x * frame.Width / c.inputW
			src := (srcY*frame.Width + srcX) * 3
			dst := (y*c.inputW + x) * 3
			out[dst] = float32(frame.Pixels[src]) / 255
			out[dst+1] = float32(frame.Pixels[src+1]) / 255
			out[dst+2] = float32(frame.Pixels[src+2]) / 255
		}
	}
	return out
}
