package search_test

import (
	"context"
	"errors"
	"testing"

	"github.com/okian/patientsim/internal/adapters/search"
	"github.com/okian/patientsim/internal/domain/grounding"
	. "github.com/smartystreets/goconvey/convey"
)

var facts = []grounding.Candidate{
	{ID: "sleep", Text: "Jordan sleeps three hours a night."},
	{ID: "work", Text: "Jordan supervises the night shift at the warehouse."},
	{ID: "sister", Text: "Maria is Jordan's older sister."},
}

func TestLexical(t *testing.T) {
	Convey("Given the lexical searcher", t, func() {
		s := search.NewLexical()

		Convey("When the query mentions sleep at night", func() {
			hits, err := s.Search(context.Background(), "How are you sleeping at night?", facts, 3)

			Convey("Then the overlapping facts should rank and the rest be omitted", func() {
				So(err, ShouldBeNil)
				So(len(hits), ShouldEqual, 2)
				So(hits[0].Score, ShouldBeGreaterThan, 0)
				ids := []string{hits[0].ID, hits[1].ID}
				So(ids, ShouldContain, "sleep")
				So(ids, ShouldContain, "work")
			})
		})

		Convey("When k is smaller than the matches", func() {
			hits, _ := s.Search(context.Background(), "Jordan", facts, 1)

			So(len(hits), ShouldEqual, 1)
			So(hits[0].ID, ShouldEqual, "sleep")
		})

		Convey("When the query is only stopwords", func() {
			hits, err := s.Search(context.Background(), "what is the", facts, 3)

			So(err, ShouldBeNil)
			So(hits, ShouldBeEmpty)
		})

		Convey("Then tokens should drop stopwords and punctuation", func() {
			So(search.Tokens("I'm FINE, thanks!"), ShouldResemble, []string{"i'm", "fine", "thanks"})
		})
	})
}

type fakeEmbedder struct {
	calls  int
	inputs [][]string
	err    error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.inputs = append(f.inputs, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		switch {
		case t == "tired" || t == facts[0].Text:
			out[i] = []float32{1, 0}
		case t == facts[1].Text:
			out[i] = []float32{0.6, 0.8}
		default:
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func TestEmbedding(t *testing.T) {
	Convey("Given the embedding searcher", t, func() {
		fe := &fakeEmbedder{}
		s := search.NewEmbedding(fe)

		Convey("When searching twice", func() {
			first, err := s.Search(context.Background(), "tired", facts, 3)
			So(err, ShouldBeNil)
			_, err = s.Search(context.Background(), "tired", facts, 3)
			So(err, ShouldBeNil)

			Convey("Then documents should be embedded once", func() {
				So(first[0].ID, ShouldEqual, "sleep")
				So(first[1].ID, ShouldEqual, "work")
				So(len(first), ShouldEqual, 2)
				So(s.Cached(), ShouldEqual, 3)
				So(fe.inputs[1], ShouldResemble, []string{"tired"})
			})
		})

		Convey("When the embedder fails", func() {
			fe.err = errors.New("quota")
			_, err := s.Search(context.Background(), "tired", facts, 3)

			So(err, ShouldNotBeNil)
			So(s.Cached(), ShouldEqual, 0)
		})
	})
}
