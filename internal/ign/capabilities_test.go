package ign

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const capabilitiesDoc = `<?xml version="1.0" encoding="UTF-8"?>
<WMS_Capabilities version="1.3.0" xmlns="http://www.opengis.net/wms">
  <Capability>
    <Layer>
      <Title>Géoplateforme</Title>
      <CRS>EPSG:4326</CRS>
      <CRS>EPSG:2154</CRS>
      <Layer>
        <Name>ORTHOIMAGERY.ORTHOPHOTOS</Name>
        <Title>Photographies aériennes</Title>
        <CRS>EPSG:3857</CRS>
      </Layer>
      <Layer>
        <Title>Group</Title>
        <Layer>
          <Name>ONLY.MERCATOR</Name>
          <Title>Mercator</Title>
        </Layer>
      </Layer>
    </Layer>
  </Capability>
</WMS_Capabilities>`

func TestParseCapabilitiesInheritsCRS(t *testing.T) {
	layers, err := ParseCapabilities([]byte(capabilitiesDoc))
	require.NoError(t, err)
	require.Len(t, layers, 2)

	assert.Equal(t, "ORTHOIMAGERY.ORTHOPHOTOS", layers[0].Name)
	assert.Equal(t, "Photographies aériennes", layers[0].Title)
	assert.ElementsMatch(t, []string{"EPSG:4326", "EPSG:2154", "EPSG:3857"}, layers[0].CRS)
	assert.ElementsMatch(t, []string{"EPSG:4326", "EPSG:2154"}, layers[1].CRS)

	_, err = ParseCapabilities([]byte(`<WMS_Capabilities><Capability/></WMS_Capabilities>`))
	assert.Error(t, err)
	_, err = ParseCapabilities([]byte(`not xml`))
	assert.Error(t, err)
}

func TestCheckLayer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GetCapabilities", r.URL.Query().Get("REQUEST"))
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(capabilitiesDoc))
	}))
	defer srv.Close()

	ok := NewWMS(newTestClient(), WMSOptions{URL: srv.URL, Layer: "ORTHOIMAGERY.ORTHOPHOTOS"}, nil)
	info, err := ok.CheckLayer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ORTHOIMAGERY.ORTHOPHOTOS", info.Name)

	missing := NewWMS(newTestClient(), WMSOptions{URL: srv.URL, Layer: "NOPE"}, nil)
	_, err = missing.CheckLayer(context.Background())
	assert.ErrorContains(t, err, "not offered")
}
