package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"sort"

	"github.com/23skdu/longbow-babel/internal/weights"
)

// TensorDump summarizes one checkpoint tensor for eyeballing against the
// exporting framework's output.
type TensorDump struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	FirstFew []float32 `json:"first_few"`
	LastFew  []float32 `json:"last_few"`
}

func main() {
	weightsPath := flag.String("weights", "model.safetensors", "Path to safetensors file")
	n := flag.Int("n", 5, "Number of leading/trailing values per tensor")
	flag.Parse()

	tensors, err := weights.LoadSafetensors(*weightsPath)
	if err != nil {
		log.Fatalf("load %s: %v", *weightsPath, err)
	}

	dumps := make([]TensorDump, 0, len(tensors))
	for name, td := range tensors {
		k := *n
		if k > len(td.Data) {
			k = len(td.Data)
		}
		dumps = append(dumps, TensorDump{
			Name:     name,
			Shape:    td.Shape,
			FirstFew: td.Data[:k],
			LastFew:  td.Data[len(td.Data)-k:],
		})
	}
	sort.Slice(dumps, func(i, j int) bool { return dumps[i].Name < dumps[j].Name })

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dumps); err != nil {
		log.Fatalf("encode: %v", err)
	}
}
