package nbx

import (
	"testing"
)

func BenchmarkMapOfLoad(b *testing.B) {
	b.ReportAllocs()
	var m MapOf[string, int]
	for i := range testData {
		m.LoadOrStore(testData[i], i)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = m.Load(testData[i])
			i++
			if i >= len(testData) {
				i = 0
			}
		}
	})
}

func BenchmarkMapOfLoadOrStore(b *testing.B) {
	b.ReportAllocs()
	var m MapOf[string, int]
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = m.LoadOrStore(testData[i], i)
			i++
			if i >= len(testData) {
				i = 0
			}
		}
	})
}

func BenchmarkMapOfStore(b *testing.B) {
	b.ReportAllocs()
	var m MapOf[string, int]
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.Store(testData[i], i)
			i++
			if i >= len(testData) {
				i = 0
			}
		}
	})
}

func BenchmarkMapOfStoreThenDelete(b *testing.B) {
	b.ReportAllocs()
	var m MapOf[string, int]
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.Store(testData[i], i)
			m.Delete(testData[i])
			i++
			if i >= len(testData) {
				i = 0
			}
		}
	})
}

func BenchmarkSetOfAdd(b *testing.B) {
	b.ReportAllocs()
	var s SetOf[string]
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			s.Add(testData[i])
			i++
			if i >= len(testData) {
				i = 0
			}
		}
	})
}

func BenchmarkSetOfContains(b *testing.B) {
	b.ReportAllocs()
	var s SetOf[string]
	for i := range testData {
		s.Add(testData[i])
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_ = s.Contains(testData[i])
			i++
			if i >= len(testData) {
				i = 0
			}
		}
	})
}
