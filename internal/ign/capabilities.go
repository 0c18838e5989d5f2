package ign

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"

	"github.com/samber/lo"

	"geoslice/internal/common"
)

// WMS 1.3.0 capabilities, reduced to the layer tree
type capabilities struct {
	XMLName    xml.Name `xml:"WMS_Capabilities"`
	Capability struct {
		Layers []capLayer `xml:"Layer"`
	} `xml:"Capability"`
}

type capLayer struct {
	Name     string     `xml:"Name"`
	Title    string     `xml:"Title"`
	Abstract string     `xml:"Abstract"`
	CRS      []string   `xml:"CRS"`
	Layers   []capLayer `xml:"Layer"`
}

// LayerInfo describes a named layer offered by the WMS
type LayerInfo struct {
	Name        string
	Title       string
	Description string
	CRS         []string // including those inherited from parent layers
}

// ParseCapabilities flattens the named layers of a GetCapabilities document
func ParseCapabilities(data []byte) ([]LayerInfo, error) {
	var caps capabilities
	if err := xml.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("failed to parse capabilities: %w", err)
	}

	var layers []LayerInfo
	var walk func(l capLayer, inherited []string)
	walk = func(l capLayer, inherited []string) {
		crs := lo.Uniq(append(append([]string{}, inherited...), l.CRS...))
		if l.Name != "" {
			layers = append(layers, LayerInfo{Name: l.Name, Title: l.Title, Description: l.Abstract, CRS: crs})
		}
		for _, child := range l.Layers {
			walk(child, crs)
		}
	}
	for _, l := range caps.Capability.Layers {
		walk(l, nil)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("no layers found in capabilities")
	}
	return layers, nil
}

// Capabilities fetches the named layers offered by the service
func (w *WMS) Capabilities(ctx context.Context) ([]LayerInfo, error) {
	u, err := url.Parse(w.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid WMS URL: %w", err)
	}
	q := u.Query()
	q.Set("SERVICE", "WMS")
	q.Set("VERSION", "1.3.0")
	q.Set("REQUEST", "GetCapabilities")
	u.RawQuery = q.Encode()

	resp, err := w.client.get(ctx, w.client.httpClient, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch capabilities: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read capabilities: %w", err)
	}
	return ParseCapabilities(data)
}

// CheckLayer verifies the configured layer exists and is served in Lambert-93
func (w *WMS) CheckLayer(ctx context.Context) (LayerInfo, error) {
	layers, err := w.Capabilities(ctx)
	if err != nil {
		return LayerInfo{}, err
	}
	info, ok := lo.Find(layers, func(l LayerInfo) bool { return l.Name == w.opts.Layer })
	if !ok {
		return LayerInfo{}, fmt.Errorf("layer %s not offered by %s", w.opts.Layer, w.opts.URL)
	}
	if !lo.Contains(info.CRS, common.CRSName) {
		return info, fmt.Errorf("layer %s is not served in %s", info.Name, common.CRSName)
	}
	return info, nil
}
