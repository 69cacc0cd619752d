package ingest_test

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/contamx/contamx/internal/ingest"
	"github.com/contamx/contamx/internal/shared"
)

func latin1(t *testing.T, s string) string {
	t.Helper()
	out, err := charmap.ISO8859_1.NewEncoder().String(s)
	require.NoError(t, err)
	return out
}

func TestParseEFOSCSV(t *testing.T) {
	raw := latin1(t, "Información actualizada al 1 de marzo\n"+
		"\n"+
		"No,RFC,Nombre del Contribuyente,Situación del contribuyente\n"+
		"1,PRO010101XY9,\"Proveedora del Centro, SA\",Definitivo\n"+
		"2,AAA010101AA1,Alfa,Presunto\n"+
		"3,BBB010101BB2,Beta,Desvirtuado\n"+
		"4,CCC010101CC3,Gama,Sentencia Favorable\n"+
		"5,MALFORMADO,Delta,Definitivo\n"+
		"6,PRO010101XY9,Duplicado,Presunto\n")

	entries, err := ingest.ParseEFOSCSV(strings.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, entries, 5)
	require.Equal(t, ingest.EFOSEntry{RFC: supplierRFC, Name: "Proveedora del Centro, SA", Status: ingest.EFOSDefinitive}, entries[0])
	require.Equal(t, []string{supplierRFC, "AAA010101AA1"}, ingest.FlaggedRFCs(entries))
}

func TestParseEFOSCSVWithoutHeader(t *testing.T) {
	_, err := ingest.ParseEFOSCSV(strings.NewReader("1,PRO010101XY9,Definitivo\n"))
	require.ErrorIs(t, err, ingest.ErrMalformedEFOS)
}

func TestRedisEFOSList(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	list := ingest.NewRedisEFOSList(client, "")
	ctx := context.Background()

	require.NoError(t, list.Replace(ctx, []string{"pro010101xy9", "AAA010101AA1"}))
	flagged, err := list.IsFlagged(ctx, " PRO010101XY9 ")
	require.NoError(t, err)
	require.True(t, flagged)

	require.NoError(t, list.Replace(ctx, []string{"AAA010101AA1"}))
	flagged, err = list.IsFlagged(ctx, supplierRFC)
	require.NoError(t, err)
	require.False(t, flagged)
	require.False(t, mr.Exists(ingest.DefaultEFOSKey+":loading"))

	require.NoError(t, list.Replace(ctx, nil))
	require.False(t, mr.Exists(ingest.DefaultEFOSKey))

	mr.Close()
	_, err = list.IsFlagged(ctx, supplierRFC)
	require.Equal(t, shared.KindTransient, shared.KindOf(err))
}

func TestRefreshEFOSFeedsIngestion(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	n, err := e.service.RefreshEFOS(ctx, []ingest.EFOSEntry{{RFC: supplierRFC, Status: ingest.EFOSPresumed}})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = e.service.IngestCFDI(ctx, e.scope, invoice{}.XML())
	require.ErrorIs(t, err, ingest.ErrEFOSFlagged)
}
