// Package axis implements AxisDescriptor: the optional axisinfo.txt sidecar
// that records a human-readable name, a free-text description and, for
// every non-pixel axis, a vector of coordinate labels.
//
// This has no direct teacher analogue — the LSM engine has no sidecar
// metadata file of its own — so the line-oriented record format is
// grounded on spec.md §4.4's requirements (tolerant of trailing whitespace
// and blank terminal lines, empty-when-absent) and on the field names
// exposed by original_source/DeviceAdapters/go2scope/G2SBigTiffStorage.cpp's
// ConfigureDimension/ConfigureCoordinate (Name, Metadata/description,
// Coordinates).
package axis

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"g2sstore/pkg/g2serr"
)

// Descriptor holds one axis's name, description and coordinate labels.
// Labels is nil (not just empty) for the two trailing pixel axes.
type Descriptor struct {
	Name        string
	Description string
	Labels      []string
}

// Info is the full per-dataset axis descriptor set, one Descriptor per
// declared shape axis, in shape order.
type Info struct {
	Axes []Descriptor
}

// New returns an Info with n empty descriptors, one per shape axis.
func New(n int) *Info {
	return &Info{Axes: make([]Descriptor, n)}
}

// ConfigureDimension sets axis i's name and description. Out-of-range i is
// InvalidArgument.
func (in *Info) ConfigureDimension(i int, name, description string) error {
	const op = "AxisDescriptor.configure_dimension"
	if i < 0 || i >= len(in.Axes) {
		return g2serr.New(op, g2serr.InvalidArgument)
	}
	in.Axes[i].Name = name
	in.Axes[i].Description = description
	return nil
}

// ConfigureCoordinate sets the label of coordinate j on axis i, growing the
// label vector if needed. An out-of-range i, or one naming either of the two
// trailing pixel axes, is InvalidArgument.
func (in *Info) ConfigureCoordinate(i, j int, name string) error {
	const op = "AxisDescriptor.configure_coordinate"
	if i < 0 || i >= len(in.Axes)-2 || j < 0 {
		return g2serr.New(op, g2serr.InvalidArgument)
	}
	labels := in.Axes[i].Labels
	if j >= len(labels) {
		grown := make([]string, j+1)
		copy(grown, labels)
		labels = grown
	}
	labels[j] = name
	in.Axes[i].Labels = labels
	return nil
}

// Dimension returns axis i's name and description.
func (in *Info) Dimension(i int) (name, description string, err error) {
	const op = "AxisDescriptor.get_dimension"
	if i < 0 || i >= len(in.Axes) {
		return "", "", g2serr.New(op, g2serr.InvalidArgument)
	}
	return in.Axes[i].Name, in.Axes[i].Description, nil
}

// Coordinate returns the label of coordinate j on axis i, or "" if unset.
func (in *Info) Coordinate(i, j int) (string, error) {
	const op = "AxisDescriptor.get_coordinate"
	if i < 0 || i >= len(in.Axes) {
		return "", g2serr.New(op, g2serr.InvalidArgument)
	}
	if j < 0 || j >= len(in.Axes[i].Labels) {
		return "", nil
	}
	return in.Axes[i].Labels[j], nil
}

// Load reads the sidecar at path. A missing file is not an error: it
// returns an Info with n empty descriptors, per spec.md §4.4.
func Load(path string, n int) (*Info, error) {
	const op = "AxisDescriptor.load"

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(n), nil
	}
	if err != nil {
		return nil, g2serr.Wrap(op, g2serr.IoError, err)
	}
	defer f.Close()

	in := New(n)
	scanner := bufio.NewScanner(f)

	// Each axis record is a header line ("name\tdescription\tlabelCount"),
	// labelCount label lines, and a blank separator line. Blank lines
	// preceding a header (e.g. extra trailing whitespace between records)
	// are skipped rather than treated as an error.
	idx := 0
	for idx < n {
		var header string
		for {
			if !scanner.Scan() {
				return in, nil
			}
			header = strings.TrimRight(scanner.Text(), " \t\r")
			if header != "" {
				break
			}
		}

		fields := strings.SplitN(header, "\t", 3)
		name := fields[0]
		desc := ""
		if len(fields) > 1 {
			desc = fields[1]
		}
		var labelCount int
		if len(fields) > 2 {
			labelCount, _ = strconv.Atoi(strings.TrimSpace(fields[2]))
		}
		in.Axes[idx].Name = name
		in.Axes[idx].Description = desc

		if labelCount > 0 {
			labels := make([]string, 0, labelCount)
			for j := 0; j < labelCount && scanner.Scan(); j++ {
				labels = append(labels, strings.TrimRight(scanner.Text(), " \t\r"))
			}
			in.Axes[idx].Labels = labels
		}
		idx++
	}
	if err := scanner.Err(); err != nil {
		return nil, g2serr.Wrap(op, g2serr.IoError, err)
	}
	return in, nil
}

// Save writes the sidecar at path, overwriting any existing file. One
// record per axis: "name\tdescription\tlabelCount", followed by labelCount
// label lines, followed by a blank separator line.
func Save(path string, in *Info) error {
	const op = "AxisDescriptor.save"

	f, err := os.Create(path)
	if err != nil {
		return g2serr.Wrap(op, g2serr.IoError, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, ax := range in.Axes {
		fmt.Fprintf(w, "%s\t%s\t%d\n", ax.Name, ax.Description, len(ax.Labels))
		for _, label := range ax.Labels {
			fmt.Fprintln(w, label)
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		return g2serr.Wrap(op, g2serr.IoError, err)
	}
	return f.Sync()
}
