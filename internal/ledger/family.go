// Package ledger maintains per-family candy balances in the remote store.
package ledger

// familyBase maps an evolved species to the base species of its line.
// Species not listed are their own base. Candy is always accounted at the
// family level: a Charmeleon catch credits the Charmander family.
var familyBase = map[int]int{
	// Kanto lines
	2: 1, 3: 1, // Bulbasaur
	5: 4, 6: 4, // Charmander
	8: 7, 9: 7, // Squirtle
	11: 10, 12: 10, // Caterpie
	14: 13, 15: 13, // Weedle
	17: 16, 18: 16, // Pidgey
	20: 19, // Rattata
	22: 21, // Spearow
	24: 23, // Ekans
	26: 25, // Pikachu
	28: 27, // Sandshrew
	30: 29, 31: 29, // Nidoran female
	33: 32, 34: 32, // Nidoran male
	36: 35, // Clefairy
	38: 37, // Vulpix
	40: 39, // Jigglypuff
	42: 41, // Zubat
	44: 43, 45: 43, // Oddish
	47: 46, // Paras
	49: 48, // Venonat
	51: 50, // Diglett
	53: 52, // Meowth
	55: 54, // Psyduck
	57: 56, // Mankey
	59: 58, // Growlithe
	61: 60, 62: 60, // Poliwag
	64: 63, 65: 63, // Abra
	67: 66, 68: 66, // Machop
	70: 69, 71: 69, // Bellsprout
	73: 72, // Tentacool
	75: 74, 76: 74, // Geodude
	78: 77, // Ponyta
	80: 79, // Slowpoke
	82: 81, // Magnemite
	85: 84, // Doduo
	87: 86, // Seel
	89: 88, // Grimer
	91: 90, // Shellder
	93: 92, 94: 92, // Gastly
	97: 96, // Drowzee
	99: 98, // Krabby
	101: 100, // Voltorb
	103: 102, // Exeggcute
	105: 104, // Cubone
	110: 109, // Koffing
	112: 111, // Rhyhorn
	117: 116, // Horsea
	119: 118, // Goldeen
	121: 120, // Staryu
	130: 129, // Magikarp
	134: 133, 135: 133, 136: 133, // Eevee
	139: 138, // Omanyte
	141: 140, // Kabuto
	148: 147, 149: 147, // Dratini
}

// FamilyOf resolves a species id to its family id (the evolutionary
// base). Ledger operations must always go through this; raw species ids
// never touch the ledger directly.
func FamilyOf(speciesID int) int {
	if base, ok := familyBase[speciesID]; ok {
		return base
	}
	return speciesID
}
