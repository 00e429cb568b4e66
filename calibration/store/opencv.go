package store

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// Parameter documents follow the layout of OpenCV's FileStorage so they can be read back with
// cv::FileStorage.
const (
	yamlHeader = "%YAML:1.0\n---\n"
	matrixTag  = "!!opencv-matrix"
)

type openCVMatrix struct {
	Rows int       `yaml:"rows"`
	Cols int       `yaml:"cols"`
	DT   string    `yaml:"dt"`
	Data []float64 `yaml:"data"`
}

func (m openCVMatrix) dense() (*mat.Dense, error) {
	if m.DT != "d" && m.DT != "f" {
		return nil, errors.Errorf("unsupported matrix element type %q", m.DT)
	}
	if m.Rows < 1 || m.Cols < 1 || len(m.Data) != m.Rows*m.Cols {
		return nil, errors.Errorf("matrix is %dx%d but has %d elements", m.Rows, m.Cols, len(m.Data))
	}
	return mat.NewDense(m.Rows, m.Cols, append([]float64(nil), m.Data...)), nil
}

type document struct {
	root *yaml.Node
}

func newDocument() *document {
	return &document{root: &yaml.Node{Kind: yaml.MappingNode}}
}

func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: value}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (d *document) add(key string, value *yaml.Node) {
	d.root.Content = append(d.root.Content, scalarNode(key), value)
}

func (d *document) addMatrix(key string, m mat.Matrix) {
	rows, cols := m.Dims()
	data := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data.Content = append(data.Content, scalarNode(formatFloat(m.At(i, j))))
		}
	}
	d.add(key, &yaml.Node{
		Kind: yaml.MappingNode,
		Tag:  matrixTag,
		Content: []*yaml.Node{
			scalarNode("rows"), scalarNode(strconv.Itoa(rows)),
			scalarNode("cols"), scalarNode(strconv.Itoa(cols)),
			scalarNode("dt"), scalarNode("d"),
			scalarNode("data"), data,
		},
	})
}

func (d *document) addFloat(key string, v float64) {
	d.add(key, scalarNode(formatFloat(v)))
}

func (d *document) addInt(key string, v int) {
	d.add(key, scalarNode(strconv.Itoa(v)))
}

func (d *document) addString(key, v string) {
	d.add(key, &yaml.Node{Kind: yaml.ScalarNode, Value: v, Style: yaml.DoubleQuotedStyle})
}

func (d *document) write(w io.Writer) error {
	if _, err := io.WriteString(w, yamlHeader); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(3)
	if err := enc.Encode(d.root); err != nil {
		return err
	}
	return enc.Close()
}

// readDocument parses a parameter document. The OpenCV "%YAML:1.0" directive is not valid YAML
// 1.2 and is dropped before parsing.
func readDocument(r io.Reader) (*document, error) {
	var buf bytes.Buffer
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first && strings.HasPrefix(line, "%YAML") {
			first = false
			continue
		}
		first = false
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	var root yaml.Node
	if err := yaml.Unmarshal(buf.Bytes(), &root); err != nil {
		return nil, errors.Wrap(err, "failed to parse parameter document")
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 || root.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("parameter document is not a mapping")
	}
	return &document{root: root.Content[0]}, nil
}

func (d *document) lookup(key string) (*yaml.Node, bool) {
	for i := 0; i+1 < len(d.root.Content); i += 2 {
		if d.root.Content[i].Value == key {
			return d.root.Content[i+1], true
		}
	}
	return nil, false
}

func (d *document) matrix(key string) (*mat.Dense, error) {
	node, ok := d.lookup(key)
	if !ok {
		return nil, errors.Errorf("missing matrix %q", key)
	}
	var m openCVMatrix
	if err := node.Decode(&m); err != nil {
		return nil, errors.Wrapf(err, "matrix %q", key)
	}
	out, err := m.dense()
	return out, errors.Wrapf(err, "matrix %q", key)
}

// decode reads an optional scalar into v. Missing keys leave v untouched.
func (d *document) decode(key string, v interface{}) error {
	node, ok := d.lookup(key)
	if !ok {
		return nil
	}
	return errors.Wrapf(node.Decode(v), "field %q", key)
}
