package models

import (
	"strconv"
	"strings"
)

type MenuItem struct {
	Name  string
	Price int64
}

// Menu is the catalog offered on the dashboard.
var Menu = []MenuItem{
	{Name: "Nasi Goreng", Price: 25000},
	{Name: "Ayam Bakar", Price: 30000},
	{Name: "Es Teh Manis", Price: 5000},
}

// LookupMenu finds a menu item by case-insensitive name.
func LookupMenu(name string) (MenuItem, bool) {
	for _, m := range Menu {
		if strings.EqualFold(m.Name, strings.TrimSpace(name)) {
			return m, true
		}
	}
	return MenuItem{}, false
}

// FormatRupiah renders 25000 as "Rp 25.000".
func FormatRupiah(amount int64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	digits := strconv.FormatInt(amount, 10)
	var b strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(d)
	}
	if neg {
		return "Rp -" + b.String()
	}
	return "Rp " + b.String()
}
