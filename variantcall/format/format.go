// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package format renders variantcall.SiteResult values as a VCF-like,
// tab-separated call table, one row per called site.
package format

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/varcall/encoding/bgzf"
	"github.com/grailbio/varcall/variantcall"
	"github.com/grailbio/varcall/variantcall/source"
	"github.com/pkg/errors"
)

// Opts configures a Writer.
type Opts struct {
	// Path is the destination file. If it ends in ".gz" the stream is
	// written through a bgzf.Writer.
	Path string
	// BGZFLevel is the compression level passed to bgzf.NewWriter; ignored
	// unless Path ends in ".gz".
	BGZFLevel int
	// SampleNames lists the sample columns to emit, in order. A listed sample
	// absent from a site's Decision is written as "./."; samples in the
	// Decision that are not listed here are not written.
	SampleNames []string
	// ReportAllAlternates, when set, emits one record per entry in the
	// site's ranked AlternateAlleles instead of a single record listing all
	// of them together.
	ReportAllAlternates bool
}

// Writer accumulates called sites and renders them as TSV.
type Writer struct {
	opts   Opts
	out    file.File
	closer func() error
	tsv    *tsv.Writer
}

// New creates the destination file and writes the header row.
func New(ctx context.Context, opts Opts) (*Writer, error) {
	if len(opts.SampleNames) == 0 {
		return nil, errors.New("format: at least one sample name is required")
	}
	out, err := file.Create(ctx, opts.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "format: creating %s", opts.Path)
	}

	w := &Writer{opts: opts, out: out}
	var dest io.Writer = out.Writer(ctx)

	if strings.HasSuffix(opts.Path, ".gz") {
		bgzfw, err := bgzf.NewWriter(dest, opts.BGZFLevel)
		if err != nil {
			out.Close(ctx) // nolint: errcheck
			return nil, errors.Wrap(err, "format: opening bgzf writer")
		}
		w.closer = bgzfw.Close
		dest = bgzfw
	} else {
		w.closer = func() error { return nil }
	}

	w.tsv = tsv.NewWriter(dest)
	w.writeHeader()
	if err := w.tsv.EndLine(); err != nil {
		return nil, errors.Wrap(err, "format: writing header")
	}
	return w, nil
}

func (w *Writer) writeHeader() {
	w.tsv.WriteString("#CHROM")
	w.tsv.WriteString("POS")
	w.tsv.WriteString("REF")
	w.tsv.WriteString("ALT")
	w.tsv.WriteString("QUAL")
	w.tsv.WriteString("PVAR")
	for _, name := range w.opts.SampleNames {
		w.tsv.WriteString(name + ":GT")
	}
}

// Write renders one called site. Sites whose Decision is nil (skipped
// sites) are silently ignored; callers that want a record of skips should
// consult variantcall.SkipReason directly via the trace package.
func (w *Writer) Write(site source.Site, result *variantcall.SiteResult) error {
	if result == nil || result.Skip != variantcall.SkipNone || result.Decision == nil {
		return nil
	}
	d := result.Decision
	if !d.Called {
		return nil
	}

	gt := genotypesBySample(d.Best)
	if w.opts.ReportAllAlternates && len(d.AlternateAlleles) > 0 {
		for _, alt := range d.AlternateAlleles {
			if err := w.writeRow(site, result.Ref, alt.Bases, d, gt); err != nil {
				return err
			}
		}
		return nil
	}
	return w.writeRow(site, result.Ref, altAlleleString(d.AlternateAlleles), d, gt)
}

// writeRow emits one output record for site with the given ALT field.
func (w *Writer) writeRow(site source.Site, ref variantcall.Allele, alt string, d *variantcall.Decision, gt map[string]string) error {
	w.tsv.WriteString(site.Contig)
	w.tsv.WriteUint32(uint32(site.Pos + 1))
	w.tsv.WriteString(ref.Bases)
	w.tsv.WriteString(alt)
	w.tsv.WriteString(formatFloat(d.Qual))
	w.tsv.WriteString(formatFloat(d.PVar))

	for _, name := range w.opts.SampleNames {
		g, ok := gt[name]
		if !ok {
			w.tsv.WriteString("./.")
			continue
		}
		w.tsv.WriteString(g)
	}
	return w.tsv.EndLine()
}

// Close flushes and closes the writer.
func (w *Writer) Close(ctx context.Context) error {
	if err := w.tsv.Flush(); err != nil {
		return errors.Wrap(err, "format: flushing")
	}
	if err := w.closer(); err != nil {
		return errors.Wrap(err, "format: closing compressor")
	}
	return w.out.Close(ctx)
}

// altAlleleString joins alts' base strings, in the caller's order. An empty
// list renders as ".", the VCF convention for "no alternate".
func altAlleleString(alts []variantcall.Allele) string {
	if len(alts) == 0 {
		return "."
	}
	bases := make([]string, len(alts))
	for i, a := range alts {
		bases[i] = a.Bases
	}
	return strings.Join(bases, ",")
}

// genotypesBySample renders each sample's genotype as a slash-joined string
// of its allele bases, e.g. "A/G".
func genotypesBySample(best *variantcall.GenotypeCombo) map[string]string {
	out := make(map[string]string, len(best.Assignments))
	for _, a := range best.Assignments {
		var bases []string
		for _, ac := range a.Genotype.Counts {
			for i := 0; i < ac.Count; i++ {
				bases = append(bases, ac.Allele.Bases)
			}
		}
		out[a.Sample.Name] = strings.Join(bases, "/")
	}
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
